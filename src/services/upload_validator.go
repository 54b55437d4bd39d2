package services

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/khabaroff/gatekeeper/src/config"
	"github.com/khabaroff/gatekeeper/src/models"
)

type magicPart struct {
	offset int
	bytes  []byte
}

type uploadFormat struct {
	name         string
	canonicalExt string
	exts         map[string]bool
	mimes        map[string]bool
	signatures   [][]magicPart
}

func (f *uploadFormat) matches(payload []byte) bool {
	for _, sig := range f.signatures {
		ok := true
		for _, p := range sig {
			end := p.offset + len(p.bytes)
			if end > len(payload) || !bytes.Equal(payload[p.offset:end], p.bytes) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

type uploadCategory struct {
	maxSize int64
	formats []*uploadFormat
}

func (c *uploadCategory) formatFor(ext string) *uploadFormat {
	for _, f := range c.formats {
		if f.exts[ext] {
			return f
		}
	}
	return nil
}

// UploadValidator enforces the upload whitelist: extension, declared MIME,
// size and finally the payload's magic bytes must all agree on one format.
type UploadValidator struct {
	categories map[string]*uploadCategory
	dangerous  map[string]bool
	sink       SecurityEventSink
}

// NewUploadValidator compiles the policy's upload table
func NewUploadValidator(policy *config.Policy, sink SecurityEventSink) (*UploadValidator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	v := &UploadValidator{
		categories: make(map[string]*uploadCategory, len(policy.UploadTypes)),
		dangerous:  make(map[string]bool, len(policy.DangerousExtensions)),
		sink:       sink,
	}
	for _, ext := range policy.DangerousExtensions {
		v.dangerous[strings.ToLower(ext)] = true
	}

	for name, cat := range policy.UploadTypes {
		compiled := &uploadCategory{maxSize: cat.MaxSize}
		for _, f := range cat.Formats {
			uf := &uploadFormat{
				name:         f.Name,
				canonicalExt: strings.ToLower(f.Extensions[0]),
				exts:         make(map[string]bool),
				mimes:        make(map[string]bool),
			}
			for _, ext := range f.Extensions {
				uf.exts[strings.ToLower(ext)] = true
			}
			for _, m := range f.MIMETypes {
				uf.mimes[strings.ToLower(m)] = true
			}
			for _, s := range f.Signatures {
				var parts []magicPart
				for _, p := range s.Parts {
					b, err := p.Bytes()
					if err != nil {
						return nil, fmt.Errorf("format %q: %w", f.Name, err)
					}
					parts = append(parts, magicPart{offset: p.Offset, bytes: b})
				}
				uf.signatures = append(uf.signatures, parts)
			}
			compiled.formats = append(compiled.formats, uf)
		}
		v.categories[name] = compiled
	}
	return v, nil
}

// MaxSize returns the size limit for category
func (v *UploadValidator) MaxSize(category string) (int64, bool) {
	c, ok := v.categories[category]
	if !ok {
		return 0, false
	}
	return c.maxSize, true
}

// extensions returns every dot-suffix of a file name, last one first.
// "a.php.jpg" yields [".jpg", ".php"].
func extensions(filename string) []string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	parts := strings.Split(strings.ToLower(base), ".")
	if len(parts) < 2 {
		return nil
	}
	exts := make([]string, 0, len(parts)-1)
	for i := len(parts) - 1; i >= 1; i-- {
		exts = append(exts, "."+parts[i])
	}
	return exts
}

// Validate runs the pipeline for category and returns the safe storage name
func (v *UploadValidator) Validate(ctx context.Context, category string, c models.UploadCandidate) (*models.AcceptedUpload, error) {
	accepted, sniffed, err := v.validate(category, c)

	event := models.SecurityEvent{
		Kind:    models.EventUpload,
		Outcome: models.OutcomeAllow,
		Detail: map[string]string{
			"category":      category,
			"declared_mime": c.DeclaredMIME,
			"sniffed_mime":  sniffed,
		},
	}
	if err != nil {
		event.Outcome = models.OutcomeDeny
		event.Reason = ReasonCode(err)
	}
	Emit(ctx, v.sink, event)

	return accepted, err
}

func (v *UploadValidator) validate(category string, c models.UploadCandidate) (*models.AcceptedUpload, string, error) {
	sniffed := ""
	if len(c.Payload) > 0 {
		sniffed = mimetype.Detect(c.Payload).String()
	}

	cat, ok := v.categories[category]
	if !ok {
		return nil, sniffed, fmt.Errorf("%w: unknown category %q", ErrUnsupportedFileType, category)
	}

	// (1) extension
	exts := extensions(c.Filename)
	if len(exts) == 0 {
		return nil, sniffed, fmt.Errorf("%w: missing extension", ErrUnsupportedFileType)
	}
	for _, ext := range exts {
		if v.dangerous[ext] {
			return nil, sniffed, fmt.Errorf("%w: dangerous extension %s", ErrUnsupportedFileType, ext)
		}
	}
	format := cat.formatFor(exts[0])
	if format == nil {
		return nil, sniffed, fmt.Errorf("%w: extension %s", ErrUnsupportedFileType, exts[0])
	}

	// (2) declared MIME
	declared, _, err := mime.ParseMediaType(c.DeclaredMIME)
	if err != nil || !format.mimes[strings.ToLower(declared)] {
		return nil, sniffed, fmt.Errorf("%w: declared type %q", ErrUnsupportedFileType, c.DeclaredMIME)
	}

	// (3) size
	size := c.Size
	if n := int64(len(c.Payload)); n > size {
		size = n
	}
	if size > cat.maxSize {
		return nil, sniffed, fmt.Errorf("%w: %d > %d bytes", ErrFileTooLarge, size, cat.maxSize)
	}

	// (4) magic bytes
	if !format.matches(c.Payload) {
		return nil, sniffed, fmt.Errorf("%w: content is not %s", ErrMagicByteMismatch, format.name)
	}

	return &models.AcceptedUpload{
		StorageName: strings.ReplaceAll(uuid.NewString(), "-", "") + format.canonicalExt,
		Category:    category,
		Format:      format.name,
		SniffedMIME: sniffed,
		Size:        size,
	}, sniffed, nil
}
