package pii

import (
	"context"
	"fmt"
	"reflect"

	"gorm.io/gorm/schema"

	apperrors "github.com/KyFuirY/FreelanceOS/pkg/errors"
)

// SerializerName is the name used in gorm tags: `gorm:"serializer:pii"`.
const SerializerName = "pii"

// Serializer encrypts string and *string columns on write and decrypts
// them on read. Tokens are bound to the column name.
type Serializer struct {
	cipher *Cipher
}

var _ schema.SerializerInterface = Serializer{}

// Register installs the serializer for every *gorm.DB in the process.
func Register(c *Cipher) {
	schema.RegisterSerializer(SerializerName, Serializer{cipher: c})
}

// Scan implements schema.SerializerInterface.
func (s Serializer) Scan(ctx context.Context, field *schema.Field, dst reflect.Value, dbValue interface{}) error {
	fieldValue := reflect.New(field.FieldType)
	if dbValue != nil {
		var token string
		switch v := dbValue.(type) {
		case string:
			token = v
		case []byte:
			token = string(v)
		default:
			return fmt.Errorf("pii: column %s: unsupported db value %T", field.DBName, dbValue)
		}

		plain := ""
		if token != "" {
			var err error
			if plain, err = s.cipher.DecryptField(field.DBName, token); err != nil {
				return apperrors.DecryptionFailed.Wrap(err).Explain("pii column %s", field.DBName)
			}
		}

		switch field.FieldType.Kind() {
		case reflect.String:
			fieldValue.Elem().SetString(plain)
		case reflect.Ptr:
			p := reflect.New(field.FieldType.Elem())
			p.Elem().SetString(plain)
			fieldValue.Elem().Set(p)
		default:
			return fmt.Errorf("pii: column %s: unsupported field type %s", field.DBName, field.FieldType)
		}
	}
	field.ReflectValueOf(ctx, dst).Set(fieldValue.Elem())
	return nil
}

// Value implements schema.SerializerInterface.
func (s Serializer) Value(_ context.Context, field *schema.Field, _ reflect.Value, fieldValue interface{}) (interface{}, error) {
	var plain string
	switch v := fieldValue.(type) {
	case string:
		plain = v
	case *string:
		if v == nil {
			return nil, nil
		}
		plain = *v
	default:
		return nil, fmt.Errorf("pii: column %s: unsupported field type %T", field.DBName, fieldValue)
	}
	if plain == "" {
		return "", nil
	}
	return s.cipher.EncryptField(field.DBName, plain)
}
