package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/khabaroff/gatekeeper/src/models"
	"gopkg.in/yaml.v3"
)

// Policy is the file-driven part of the configuration: per-scope quotas and
// the upload whitelist.
type Policy struct {
	ScopeQuotas         map[models.Scope]int      `yaml:"scope_quotas"`
	DangerousExtensions []string                  `yaml:"dangerous_extensions"`
	UploadTypes         map[string]UploadCategory `yaml:"upload_types"`
}

// UploadCategory groups formats that share a size limit, e.g. "image"
type UploadCategory struct {
	MaxSize int64        `yaml:"max_size"`
	Formats []FileFormat `yaml:"formats"`
}

// FileFormat ties extensions, MIME types and magic bytes to one format
type FileFormat struct {
	Name       string      `yaml:"name"`
	Extensions []string    `yaml:"extensions"`
	MIMETypes  []string    `yaml:"mime_types"`
	Signatures []Signature `yaml:"signatures"`
}

// Signature matches when every part matches
type Signature struct {
	Parts []MagicPart `yaml:"parts"`
}

// MagicPart is a byte sequence expected at Offset
type MagicPart struct {
	Offset int    `yaml:"offset"`
	Hex    string `yaml:"hex"`
}

// Bytes decodes the hex pattern
func (p MagicPart) Bytes() ([]byte, error) {
	return hex.DecodeString(strings.ReplaceAll(p.Hex, " ", ""))
}

const mib = 1 << 20

func sig(parts ...MagicPart) Signature {
	return Signature{Parts: parts}
}

func at(offset int, h string) MagicPart {
	return MagicPart{Offset: offset, Hex: h}
}

// DefaultPolicy returns the built-in quotas and upload table
func DefaultPolicy() *Policy {
	return &Policy{
		ScopeQuotas: map[models.Scope]int{
			models.ScopeRead:  1000,
			models.ScopeWrite: 100,
			models.ScopeAdmin: 1000,
		},
		DangerousExtensions: []string{
			".exe", ".bat", ".cmd", ".com", ".msi", ".scr", ".vbs", ".js",
			".php", ".php3", ".php4", ".php5", ".phtml", ".jsp", ".asp", ".aspx",
			".cgi", ".pl", ".py", ".rb", ".sh", ".bash", ".htaccess",
		},
		UploadTypes: map[string]UploadCategory{
			"image": {
				MaxSize: 5 * mib,
				Formats: []FileFormat{
					{Name: "jpeg", Extensions: []string{".jpg", ".jpeg"}, MIMETypes: []string{"image/jpeg"},
						Signatures: []Signature{sig(at(0, "ffd8ff"))}},
					{Name: "png", Extensions: []string{".png"}, MIMETypes: []string{"image/png"},
						Signatures: []Signature{sig(at(0, "89504e470d0a1a0a"))}},
					{Name: "gif", Extensions: []string{".gif"}, MIMETypes: []string{"image/gif"},
						Signatures: []Signature{sig(at(0, "474946383761")), sig(at(0, "474946383961"))}},
					{Name: "webp", Extensions: []string{".webp"}, MIMETypes: []string{"image/webp"},
						Signatures: []Signature{sig(at(0, "52494646"), at(8, "57454250"))}},
				},
			},
			"document": {
				MaxSize: 10 * mib,
				Formats: []FileFormat{
					{Name: "pdf", Extensions: []string{".pdf"}, MIMETypes: []string{"application/pdf"},
						Signatures: []Signature{sig(at(0, "25504446"))}},
					{Name: "docx", Extensions: []string{".docx"},
						MIMETypes:  []string{"application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
						Signatures: []Signature{sig(at(0, "504b0304"))}},
					{Name: "doc", Extensions: []string{".doc"}, MIMETypes: []string{"application/msword"},
						Signatures: []Signature{sig(at(0, "d0cf11e0a1b11ae1"))}},
				},
			},
			"archive": {
				MaxSize: 50 * mib,
				Formats: []FileFormat{
					{Name: "zip", Extensions: []string{".zip"},
						MIMETypes:  []string{"application/zip", "application/x-zip-compressed"},
						Signatures: []Signature{sig(at(0, "504b0304"))}},
					{Name: "gzip", Extensions: []string{".gz", ".tgz"},
						MIMETypes:  []string{"application/gzip", "application/x-gzip"},
						Signatures: []Signature{sig(at(0, "1f8b"))}},
				},
			},
		},
	}
}

// LoadPolicy reads a YAML policy file and merges it over the defaults.
// An empty path returns the defaults.
func LoadPolicy(path string) (*Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(data, policy)
}

// ParsePolicy merges YAML data over base
func ParsePolicy(data []byte, base *Policy) (*Policy, error) {
	var file Policy
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	for scope, quota := range file.ScopeQuotas {
		base.ScopeQuotas[scope] = quota
	}
	if len(file.DangerousExtensions) > 0 {
		base.DangerousExtensions = file.DangerousExtensions
	}
	for name, category := range file.UploadTypes {
		base.UploadTypes[name] = category
	}

	if err := base.Validate(); err != nil {
		return nil, err
	}
	return base, nil
}

// Validate checks the policy for unusable entries
func (p *Policy) Validate() error {
	for scope, quota := range p.ScopeQuotas {
		if !models.ValidScope(scope) {
			return fmt.Errorf("policy: unknown scope %q", scope)
		}
		if quota < 1 {
			return fmt.Errorf("policy: quota for scope %q must be positive", scope)
		}
	}
	for name, category := range p.UploadTypes {
		if category.MaxSize <= 0 {
			return fmt.Errorf("policy: upload type %q needs a positive max_size", name)
		}
		if len(category.Formats) == 0 {
			return fmt.Errorf("policy: upload type %q has no formats", name)
		}
		for _, f := range category.Formats {
			if len(f.Extensions) == 0 || len(f.MIMETypes) == 0 || len(f.Signatures) == 0 {
				return fmt.Errorf("policy: format %q in %q needs extensions, mime_types and signatures", f.Name, name)
			}
			for _, ext := range f.Extensions {
				if !strings.HasPrefix(ext, ".") {
					return fmt.Errorf("policy: extension %q in %q must start with a dot", ext, name)
				}
			}
			for _, s := range f.Signatures {
				if len(s.Parts) == 0 {
					return fmt.Errorf("policy: empty signature for format %q", f.Name)
				}
				for _, part := range s.Parts {
					b, err := part.Bytes()
					if err != nil || len(b) == 0 || part.Offset < 0 {
						return fmt.Errorf("policy: bad signature %q for format %q", part.Hex, f.Name)
					}
				}
			}
		}
	}
	return nil
}
