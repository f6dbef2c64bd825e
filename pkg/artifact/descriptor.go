/*
Copyright 2026 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package artifact defines the versioned signed binary descriptor that the
// engine deploys. Descriptors are immutable after creation; identity is
// (name, version).
package artifact

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/jordigilh/deploynaut/internal/errors"
)

const (
	maxMetadataEntries  = 50
	maxMetadataKeyLen   = 100
	maxMetadataValueLen = 500
)

var (
	namePattern    = regexp.MustCompile(`^[a-z][a-z0-9-]{2,63}$`)
	versionPattern = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)
)

// Descriptor identifies and carries one deployable artifact.
type Descriptor struct {
	Name      string            `json:"name" validate:"required,artifact_name"`
	Version   string            `json:"version" validate:"required,artifact_version"`
	Content   []byte            `json:"-"`
	Signature []byte            `json:"-"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ID returns the artifact identity string.
func (d Descriptor) ID() string {
	return fmt.Sprintf("%s@%s", d.Name, d.Version)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Registration only fails for empty tags.
	_ = v.RegisterValidation("artifact_name", func(fl validator.FieldLevel) bool {
		return namePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("artifact_version", func(fl validator.FieldLevel) bool {
		return versionPattern.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks the descriptor against the naming, versioning, and
// metadata constraints. Returns a typed validation error.
func (d Descriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			switch fe.Tag() {
			case "artifact_name":
				return apperrors.NewValidationError(
					fmt.Sprintf("artifact name %q must be 3-64 lowercase DNS-label characters", d.Name))
			case "artifact_version":
				return apperrors.NewValidationError(
					fmt.Sprintf("artifact version %q is not a valid semantic version", d.Version))
			}
			return apperrors.NewValidationError(fmt.Sprintf("artifact field %s is invalid", fe.Field()))
		}
		return apperrors.NewValidationError(err.Error())
	}
	if len(d.Metadata) > maxMetadataEntries {
		return apperrors.NewValidationError(
			fmt.Sprintf("artifact metadata has %d entries, maximum is %d", len(d.Metadata), maxMetadataEntries))
	}
	for k, v := range d.Metadata {
		if len(k) > maxMetadataKeyLen {
			return apperrors.NewValidationError(
				fmt.Sprintf("artifact metadata key %q exceeds %d characters", k, maxMetadataKeyLen))
		}
		if len(v) > maxMetadataValueLen {
			return apperrors.NewValidationError(
				fmt.Sprintf("artifact metadata value for key %q exceeds %d characters", k, maxMetadataValueLen))
		}
	}
	return nil
}
