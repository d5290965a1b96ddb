// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package process

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
)

// SaveConfigWithAllDefaults writes the flag set to outfile as commented yaml,
// with values from 'overrides' overriding flag defaults.
func SaveConfigWithAllDefaults(flags *pflag.FlagSet, outfile string, overrides map[string]interface{}) error {
	var lines []string
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "help" {
			return
		}
		value := f.DefValue
		if override, ok := overrides[f.Name]; ok {
			value = fmt.Sprintf("%v", override)
		}
		if f.Usage != "" {
			lines = append(lines, "# "+f.Usage)
		}
		lines = append(lines, fmt.Sprintf("%s: %q", f.Name, value), "")
	})
	sortStanzas(lines)

	data := []byte(strings.Join(lines, "\n"))
	return errs.Wrap(atomicWrite(outfile, 0600, data))
}

// sortStanzas keeps comment/value/blank triples together while ordering
// them by flag name.
func sortStanzas(lines []string) {
	type stanza struct {
		key  string
		body []string
	}
	var stanzas []stanza
	var current []string
	for _, line := range lines {
		current = append(current, line)
		if line == "" {
			key := current[len(current)-2]
			stanzas = append(stanzas, stanza{key: key, body: current})
			current = nil
		}
	}
	sort.Slice(stanzas, func(i, k int) bool { return stanzas[i].key < stanzas[k].key })
	lines = lines[:0]
	for _, s := range stanzas {
		lines = append(lines, s.body...)
	}
}

// atomicWrite is a helper to atomically write the data to the outfile.
func atomicWrite(outfile string, mode os.FileMode, data []byte) (err error) {
	fh, err := ioutil.TempFile(filepath.Dir(outfile), filepath.Base(outfile))
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, fh.Close())
			err = errs.Combine(err, os.Remove(fh.Name()))
		}
	}()
	if _, err := fh.Write(data); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Sync(); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Close(); err != nil {
		return errs.Wrap(err)
	}
	if err := os.Chmod(fh.Name(), mode); err != nil {
		return errs.Wrap(err)
	}
	return errs.Wrap(os.Rename(fh.Name(), outfile))
}
