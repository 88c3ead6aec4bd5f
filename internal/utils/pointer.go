package utils

import "time"

// F64Ptr returns a pointer to the given float64 value.
func F64Ptr(v float64) *float64 { return &v }

// I64Ptr returns a pointer to the given int64 value.
func I64Ptr(v int64) *int64 { return &v }

func StrPtr(v string) *string { return &v }

func TimePtr(v time.Time) *time.Time { return &v }
