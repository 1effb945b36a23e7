//go:build !linux

package tracer

import "strconv"

func errnoName(n int) string { return "E" + strconv.Itoa(n) }
