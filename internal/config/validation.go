package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate = validator.New(validator.WithRequiredStructEnabled())

const minMasterKeyLength = 32

// Validate checks the manager configuration using struct tags and the rules
// tags cannot express.
func (c *ManagerConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	if err := validateMasterKey(c.Crypto); err != nil {
		return err
	}
	if c.Upload.ChunkSize.Bytes() > 0 && c.Upload.ChunkSize.Bytes() < 1024 {
		return fmt.Errorf("upload.chunk_size must be at least 1KB")
	}
	if c.Thumbnails.Enabled && c.Services.ThumbnailKey == "" {
		return fmt.Errorf("services.thumbnail_key is required when thumbnails are enabled")
	}
	return nil
}

// Validate checks the worker configuration.
func (c *WorkerConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	if err := validateScheme("manager_url", c.ManagerURL, "ws", "wss"); err != nil {
		return err
	}
	if err := validateScheme("address", c.Address, "http", "https"); err != nil {
		return err
	}
	if c.Encrypt {
		if err := validateMasterKey(c.Crypto); err != nil {
			return err
		}
	}
	return nil
}

func validateMasterKey(c CryptoConfig) error {
	key, err := c.MasterKeyBytes()
	if err != nil {
		return err
	}
	if len(key) < minMasterKeyLength {
		return fmt.Errorf("crypto.master_key must decode to at least %d bytes", minMasterKeyLength)
	}
	return nil
}

func validateScheme(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %v", field, schemes)
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
