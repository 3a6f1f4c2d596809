// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stress

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Report formats understood by Encode and WriteReport.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// StdoutPath is the conventional report path meaning standard output.
// WriteReport does not handle it; callers encode to their own writer.
const StdoutPath = "-"

// Encode writes r to w in the given format.
func (r *Result) Encode(w io.Writer, format string) error {
	switch format {
	case FormatYAML, "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode yaml report: %w", err)
		}
		return enc.Close()
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode json report: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown report format %q (want %s or %s)", format, FormatYAML, FormatJSON)
	}
}

// WriteReport encodes r and writes it to path on fs, creating parent
// directories as needed.
func WriteReport(fs afero.Fs, path, format string, r *Result) error {
	if path == "" || path == StdoutPath {
		return errors.New("report path must name a file")
	}

	var buf bytes.Buffer
	if err := r.Encode(&buf, format); err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report directory: %w", err)
		}
	}
	if err := afero.WriteFile(fs, path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}
