package records

import "strings"

// Unmapped marks a field that has no column.
const Unmapped = "-"

// ColumnIndex converts a column letter to a zero-based index (A=0, AA=26).
// Empty, unmapped or malformed letters yield -1.
func ColumnIndex(letter string) int {
	letter = strings.ToUpper(strings.TrimSpace(letter))
	if letter == "" || letter == Unmapped {
		return -1
	}
	n := 0
	for _, r := range letter {
		if r < 'A' || r > 'Z' {
			return -1
		}
		n = n*26 + int(r-'A'+1)
	}
	return n - 1
}

// ColumnLetter converts a zero-based index back to its letter form.
func ColumnLetter(index int) string {
	if index < 0 {
		return Unmapped
	}
	var b []byte
	for n := index + 1; n > 0; n = (n - 1) / 26 {
		b = append([]byte{byte('A' + (n-1)%26)}, b...)
	}
	return string(b)
}

// ColumnOptions lists the selectable columns: "-", A..Z, AA..AZ.
func ColumnOptions() []string {
	opts := make([]string, 0, 53)
	opts = append(opts, Unmapped)
	for i := 0; i < 52; i++ {
		opts = append(opts, ColumnLetter(i))
	}
	return opts
}

// IsMapped reports whether letter names a real column.
func IsMapped(letter string) bool {
	return ColumnIndex(letter) >= 0
}
