package pii

import (
	"errors"
	"fmt"
)

// PersonalFields are the record keys treated as personal data.
var PersonalFields = []string{
	"email",
	"phone",
	"address",
	"tax_id",
	"siret",
	"vat_number",
	"notes",
}

// EncryptFields encrypts the personal fields of record in place, each bound
// to its key. Absent, nil and empty values are left alone. A value that is
// already a token is kept only if it opens under its own key.
func (c *Cipher) EncryptFields(record map[string]any) error {
	for _, name := range PersonalFields {
		raw, ok := record[name]
		if !ok || raw == nil {
			continue
		}
		value, ok := raw.(string)
		if !ok {
			return fmt.Errorf("pii: field %s: expected string, got %T", name, raw)
		}
		if value == "" {
			continue
		}
		if IsEncrypted(value) {
			if _, err := c.DecryptField(name, value); err != nil {
				return fmt.Errorf("pii: field %s: %w", name, err)
			}
			continue
		}
		token, err := c.EncryptField(name, value)
		if err != nil {
			return fmt.Errorf("pii: field %s: %w", name, err)
		}
		record[name] = token
	}
	return nil
}

// DecryptFields decrypts the personal fields of record in place. A field
// that fails is set to nil and its error is joined into the result; the
// remaining fields are still processed.
func (c *Cipher) DecryptFields(record map[string]any) error {
	var errs []error
	for _, name := range PersonalFields {
		raw, ok := record[name]
		if !ok || raw == nil {
			continue
		}
		value, ok := raw.(string)
		if !ok {
			record[name] = nil
			errs = append(errs, fmt.Errorf("field %s: %w: unexpected %T", name, ErrDecryption, raw))
			continue
		}
		if value == "" {
			continue
		}
		plain, err := c.DecryptField(name, value)
		if err != nil {
			record[name] = nil
			errs = append(errs, fmt.Errorf("field %s: %w", name, err))
			continue
		}
		record[name] = plain
	}
	return errors.Join(errs...)
}
