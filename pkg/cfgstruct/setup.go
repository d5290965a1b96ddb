// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package cfgstruct

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// SetupFlag registers a flag whose value other flag defaults depend on.
// Since the value is needed before flag parsing runs, it is resolved by
// scanning the raw command line directly.
func SetupFlag(cmd *cobra.Command, value *string, name, def, usage string) {
	*value = def
	if early := findFlagEarly(name); early != "" {
		*value = early
	}
	cmd.PersistentFlags().StringVar(value, name, *value, usage)
}

func findFlagEarly(name string) string {
	for i, arg := range os.Args {
		if arg == "--"+name && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--"+name+"=") {
			return strings.TrimPrefix(arg, "--"+name+"=")
		}
	}
	return ""
}
