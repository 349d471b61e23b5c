// Package palette maps stable user ids to display colors.
package palette

import "unicode/utf16"

// Colors is the fixed cursor palette. Order is part of the contract: changing
// it changes every user's color on every device.
var Colors = []string{
	"#E57373",
	"#64B5F6",
	"#81C784",
	"#FFB74D",
	"#BA68C8",
	"#4DB6AC",
	"#F06292",
	"#7986CB",
	"#AED581",
	"#FF8A65",
	"#4FC3F7",
	"#DCE775",
}

const hashModulus = 1 << 31

// Hash is the rolling hash behind Assign: hash = (hash*31 + c) mod 2^31 over
// the UTF-16 code units of id, so ids outside the BMP hash the same as they
// do in browser clients.
func Hash(id string) int64 {
	var h int64
	for _, c := range utf16.Encode([]rune(id)) {
		h = (h*31 + int64(c)) % hashModulus
	}
	return h
}

// Assign returns the color for a stable user id.
func Assign(id string) string {
	return Colors[Hash(id)%int64(len(Colors))]
}
