package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// The first comment block of a Rego policy file, before or after its package
// clause, is its header. Lines of the form "# key: value" set metadata; the
// remaining lines form the description.
//
//	package castwork.admission.users
//
//	# Rejects requests without a user.
//	# severity: warning
//	# enabled: false
const (
	metaSeverity = "severity"
	metaEnabled  = "enabled"
	metaName     = "name"
)

// Load reads every .rego and .json policy under paths. Directories are walked
// recursively in lexical order. Any unreadable or invalid file, or two files
// defining the same policy name, fails the whole load.
func Load(ctx context.Context, paths []string) ([]Policy, error) {
	files, err := policyFiles(paths)
	if err != nil {
		return nil, err
	}

	policies := make([]Policy, 0, len(files))
	seen := make(map[string]string, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p, err := loadFile(file)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		if prev, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("policy %s is defined in both %s and %s", p.Name, prev, file)
		}
		seen[p.Name] = file
		policies = append(policies, *p)
	}
	return policies, nil
}

// policyFiles expands paths into the policy files they contain.
func policyFiles(paths []string) ([]string, error) {
	var files []string
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to stat policy path: %w", err)
		}
		if !info.IsDir() {
			files = append(files, root)
			continue
		}

		var found []string
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && isPolicyFile(path) {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
		sort.Strings(found)
		files = append(files, found...)
	}
	return files, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

func loadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p *Policy
	switch filepath.Ext(path) {
	case ".rego":
		p, err = parseRego(strings.TrimSuffix(filepath.Base(path), ".rego"), string(data))
	case ".json":
		p, err = parseJSON(data)
	default:
		err = fmt.Errorf("unsupported policy file type %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}
	p.Source = path
	return p, nil
}

// parseRego builds a policy from Rego source and its header comments. Violations
// block by default.
func parseRego(name, src string) (*Policy, error) {
	p := &Policy{
		Name:     name,
		Rego:     src,
		Severity: SeverityError,
		Enabled:  true,
	}

	var description []string
	inHeader := false
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			inHeader = true
			parseHeaderLine(p, &description, strings.TrimSpace(strings.TrimPrefix(line, "#")))
			continue
		}
		isPreamble := line == "" || strings.HasPrefix(line, "package ")
		if inHeader || !isPreamble {
			break
		}
	}
	p.Description = strings.Join(description, " ")

	if err := p.Severity.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// parseHeaderLine applies one header comment line to p.
func parseHeaderLine(p *Policy, description *[]string, text string) {
	key, value, ok := strings.Cut(text, ":")
	if !ok {
		if text != "" {
			*description = append(*description, text)
		}
		return
	}

	value = strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimSpace(key)) {
	case metaSeverity:
		p.Severity = Severity(value)
	case metaEnabled:
		p.Enabled = value != "false"
	case metaName:
		p.Name = value
	default:
		*description = append(*description, text)
	}
}

// parseJSON decodes a JSON policy definition. File policies are never built in.
func parseJSON(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid JSON policy: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("JSON policy has no name")
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	if err := p.Severity.Validate(); err != nil {
		return nil, err
	}
	p.Builtin = false
	return &p, nil
}
