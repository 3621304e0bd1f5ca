// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bacnet

// Bit positions count from the least significant bit (0) to the most
// significant bit (7, 15 or 31).

// GetBit reports whether bit pos of v is set
func GetBit(v uint8, pos uint) bool {
	return v&(1<<pos) != 0
}

// SetBit returns v with bit pos set or cleared
func SetBit(v uint8, pos uint, on bool) uint8 {
	if on {
		return v | 1<<pos
	}
	return v &^ (1 << pos)
}

// GetBits extracts width bits of v starting at bit start
func GetBits(v uint8, start, width uint) uint8 {
	return (v >> start) & (1<<width - 1)
}

// SetBits returns v with width bits starting at bit start replaced by field
func SetBits(v uint8, start, width uint, field uint8) uint8 {
	mask := uint8(1<<width-1) << start
	return v&^mask | (field<<start)&mask
}

// ByteOf returns byte index (0 = least significant) of a 32-bit word
func ByteOf(v uint32, index uint) uint8 {
	return uint8(v >> (8 * index) & 0xFF)
}

// WordOf returns 16-bit word index (0 = least significant) of a 32-bit word
func WordOf(v uint32, index uint) uint16 {
	return uint16(v >> (16 * index) & 0xFFFF)
}
