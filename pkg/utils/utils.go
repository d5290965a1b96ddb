// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package utils holds small shared helpers.
package utils

import (
	"strings"

	"github.com/zeebo/errs"
)

// Error is the class of utils errors
var Error = errs.Class("utils error")

// ParseURL splits a database URL of the form scheme://rest into its
// scheme and the remainder.
func ParseURL(s string) (scheme, rest string, err error) {
	parts := strings.SplitN(s, "://", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", Error.New("could not parse database URL %q", s)
	}
	return parts[0], parts[1], nil
}
