package event

import (
	stderrors "errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"aevo/internal/errors"
	"aevo/internal/grammar"
)

// MaxDeltaEntries bounds the size of a single delta.
const MaxDeltaEntries = 1024

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]*$`)

// eventValidate is shared by all callers; validator.Validate is safe for
// concurrent use once configured.
var eventValidate *validator.Validate

func init() {
	eventValidate = validator.New(validator.WithRequiredStructEnabled())
	_ = eventValidate.RegisterValidation("eventid", validateEventID)
	eventValidate.RegisterStructValidation(validateDelta, grammar.Delta{})
}

// validateEventID accepts ids that are safe as file names and distinct
// from the root snapshot id.
func validateEventID(fl validator.FieldLevel) bool {
	id := fl.Field().String()
	return id != grammar.RootID && idPattern.MatchString(id)
}

// validateDelta enforces set semantics on removed names and bounds the
// delta size.
func validateDelta(sl validator.StructLevel) {
	d := sl.Current().Interface().(grammar.Delta)

	if n := len(d.Added) + len(d.Modified) + len(d.Removed); n > MaxDeltaEntries {
		sl.ReportError(d.Added, "Added", "Added", "maxentries", fmt.Sprint(MaxDeltaEntries))
	}
	seen := make(map[string]bool, len(d.Removed))
	for _, name := range d.Removed {
		if name == "" {
			sl.ReportError(d.Removed, "Removed", "Removed", "required", "")
			return
		}
		if seen[name] {
			sl.ReportError(d.Removed, "Removed", "Removed", "unique", name)
			return
		}
		seen[name] = true
	}
	for _, m := range d.Modified {
		if m.OldName == "" {
			sl.ReportError(d.Modified, "Modified", "Modified", "oldname", "")
			return
		}
	}
}

// Validate runs the schema checks that need no history: required fields,
// enum values, metric ranges, set semantics, a non-empty delta and the
// structural checks of every carried rule. The first violation is
// returned as a ValidationError tagged with the event id.
func Validate(e Event) error {
	if err := eventValidate.Struct(e); err != nil {
		return errors.New(errors.ValidationFailed, e.ID, describe(err), nil)
	}
	if e.Delta.Empty() {
		return errors.Newf(errors.ValidationFailed, e.ID, "delta is empty")
	}
	for _, r := range e.Delta.Rules() {
		if err := r.Check(); err != nil {
			return errors.New(errors.ValidationFailed, e.ID, "invalid rule", err)
		}
	}
	return nil
}

// describe turns the first validator failure into a short message.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "Event.")

	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s %q is not one of [%s]", field, fe.Value(), fe.Param())
	case "gte", "lte":
		return fmt.Sprintf("%s = %v is outside its range", field, fe.Value())
	case "unique":
		if fe.Param() != "" {
			return fmt.Sprintf("%s contains %q more than once", field, fe.Param())
		}
		return field + " contains duplicates"
	case "eventid":
		return fmt.Sprintf("id %q is not a valid event id", fe.Value())
	case "oldname":
		return field + " entry is missing old_name"
	case "maxentries":
		return fmt.Sprintf("delta has more than %s entries", fe.Param())
	}
	return fmt.Sprintf("%s failed %q", field, fe.Tag())
}
