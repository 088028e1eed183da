package validate

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/connstring"
)

// validateNamespace checks for a "db.coll" namespace with non-empty parts.
// Tag usage: namespace
func validateNamespace(fl validator.FieldLevel) bool {
	db, coll, ok := strings.Cut(fl.Field().String(), ".")

	return ok && db != "" && coll != "" && !strings.ContainsAny(db, ` /\"$`)
}

// validateMongoURI checks that a connection string parses. The scheme may be omitted.
// Tag usage: mongouri
func validateMongoURI(fl validator.FieldLevel) bool {
	s := strings.TrimSpace(fl.Field().String())
	if s == "" {
		return true // left to "required"
	}

	if !strings.HasPrefix(s, "mongodb://") && !strings.HasPrefix(s, "mongodb+srv://") {
		s = "mongodb://" + s
	}

	_, err := connstring.Parse(s)

	return err == nil
}
