package feed

import (
	"strings"
)

// frame joins payload fields into a plaintext data frame.
func frame(kind MessageKind, fields []string) string {
	return "0|" + string(kind) + "|001|" + strings.Join(fields, fieldSep)
}

// zeros returns n fields that all parse as numbers.
func zeros(n int) []string {
	f := make([]string, n)
	for i := range f {
		f[i] = "0"
	}
	return f
}

func domesticTickFields() []string {
	f := zeros(46)
	f[0] = "005930"
	f[1] = "093015"
	f[2] = "71200"
	f[4] = "-300"
	f[5] = "-0.42"
	f[7] = "71500"
	f[8] = "71800"
	f[9] = "71000"
	f[13] = "1520334"
	f[14] = "108456000000"
	f[18] = "97.35"
	f[33] = "20260105"
	return f
}

func overseasTickFields() []string {
	f := zeros(26)
	f[0] = "RSYM"
	f[1] = "DNASAAPL"
	f[6] = "20260105"
	f[7] = "103000"
	f[8] = "149.00"
	f[9] = "151.10"
	f[10] = "148.75"
	f[11] = "150.25"
	f[13] = "1.25"
	f[14] = "0.84"
	f[20] = "3120045"
	f[21] = "468000000"
	f[24] = "110.5"
	return f
}
