package model

import (
	"errors"
	"fmt"

	"github.com/arseneyr/speakerbox/pkg/mergeable"
	"github.com/go-playground/validator/v10"
)

// ErrInvalidState is returned when a state fails schema validation.
var ErrInvalidState = errors.New("invalid state")

var (
	// shape checks field formats only. Merged replicas may transiently list
	// ids whose metadata has not arrived yet, so documents are held to shape.
	shape *validator.Validate

	// strict adds the reference rule. Callers that build states from scratch
	// use it; stored states may have been written mid-edit.
	strict *validator.Validate
)

func init() {
	shape = validator.New()
	_ = shape.RegisterValidation("revid", validateRevisionID)

	strict = validator.New()
	_ = strict.RegisterValidation("revid", validateRevisionID)
	strict.RegisterStructValidation(validateReferences, MainState{})
}

func validateRevisionID(fl validator.FieldLevel) bool {
	return RevisionID(fl.Field().String()).Valid()
}

// validateReferences requires every listed sample to have metadata.
func validateReferences(sl validator.StructLevel) {
	s := sl.Current().Interface().(MainState)
	for _, id := range s.SampleList {
		if _, ok := s.Samples[id]; !ok {
			sl.ReportError(s.SampleList, "SampleList", "sampleList", "references", string(id))
		}
	}
}

// Validate checks s including the rule that the list only references
// existing samples.
func (s MainState) Validate() error {
	if err := strict.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return nil
}

// ValidateShape checks field formats of s.
func (s MainState) ValidateShape() error {
	if err := shape.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return nil
}

func (l LocalState) Validate() error {
	if l.Version != Version {
		return fmt.Errorf("%w: unknown local version %q", ErrInvalidState, l.Version)
	}
	if (l.UserID == nil) == (l.MainState == nil) {
		return fmt.Errorf("%w: exactly one of userId and mainState must be set", ErrInvalidState)
	}
	if err := strict.Struct(l.Settings); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if l.UserID != nil && *l.UserID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidState)
	}
	if l.MainState != nil {
		return l.MainState.ValidateShape()
	}
	return nil
}

// DecodeMainState reads and validates the main state held by doc. Any
// failure wraps mergeable.ErrDecode.
func DecodeMainState(doc *mergeable.Doc) (MainState, error) {
	s, err := mergeable.Decode[MainState](doc)
	if err != nil {
		return MainState{}, fmt.Errorf("%w: %v", mergeable.ErrDecode, err)
	}
	if err := s.ValidateShape(); err != nil {
		return MainState{}, fmt.Errorf("%w: %v", mergeable.ErrDecode, err)
	}
	if s.SampleList == nil {
		s.SampleList = []SampleID{}
	}
	if s.Samples == nil {
		s.Samples = map[SampleID]SampleInfo{}
	}
	return s, nil
}

// DecodeMainStateDoc loads saved bytes and checks they hold a main state.
func DecodeMainStateDoc(data []byte) (*mergeable.Doc, error) {
	doc, err := mergeable.Load(data)
	if err != nil {
		return nil, err
	}
	if _, err := DecodeMainState(doc); err != nil {
		return nil, err
	}
	return doc, nil
}
