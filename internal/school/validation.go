package school

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	validation "github.com/go-ozzo/ozzo-validation"
)

var (
	nonDigit    = regexp.MustCompile(`\D`)
	tenDigits   = regexp.MustCompile(`^[0-9]{10}$`)
	courseNames = []interface{}{string(CourseCar), string(CourseMotorcycle)}
)

// StudentInput carries raw staff input for a new student.
type StudentInput struct {
	Name      string
	Phone     string
	Course    string
	PackageID string
}

// TitleCase upper-cases the first letter of every word and lower-cases the rest.
func TitleCase(value string) string {
	words := strings.Fields(value)
	for index, word := range words {
		first, size := utf8.DecodeRuneInString(word)
		words[index] = string(unicode.ToUpper(first)) + strings.ToLower(word[size:])
	}
	return strings.Join(words, " ")
}

// NormalizePhone strips every non-digit character.
func NormalizePhone(raw string) string {
	return nonDigit.ReplaceAllString(strings.TrimSpace(raw), "")
}

// NewStudent validates the input against the existing students and builds a Student with the
// provided identifier. Nothing is returned on failure.
func NewStudent(id string, input StudentInput, existing []Student) (Student, error) {
	name := TitleCase(input.Name)
	if err := validation.Validate(name, validation.Required); err != nil {
		return Student{}, ErrInvalidName
	}

	phone := NormalizePhone(input.Phone)
	if err := validation.Validate(phone, validation.Match(tenDigits)); err != nil {
		return Student{}, fmt.Errorf("%w: got %d", ErrInvalidPhone, len(phone))
	}
	if phone != "" {
		for _, other := range existing {
			if strings.TrimSpace(other.Phone) == phone {
				return Student{}, ErrDuplicatePhone
			}
		}
	}

	course := Course(TitleCase(input.Course))
	student := Student{ID: id, Name: name, Phone: phone, Course: course}
	if input.PackageID != "" {
		if pkg, ok := ResolvePackage(course, input.PackageID); ok {
			student.Package = &pkg
			if student.Course == "" {
				student.Course = pkg.Course
			}
		}
	}

	if err := validation.Validate(string(student.Course), validation.In(courseNames...)); err != nil {
		return Student{}, fmt.Errorf("%w: %q", ErrInvalidCourse, student.Course)
	}
	return student, nil
}

// PaymentInput carries raw staff input for a payment.
type PaymentInput struct {
	StudentID string
	Amount    int64
	Discount  int64
	Method    string
	Note      string
}

// Validate checks that something is being credited and that the method is known.
// Negative amounts are clamped later rather than rejected here.
func (input PaymentInput) Validate() error {
	if input.Amount == 0 && input.Discount == 0 {
		return ErrInvalidAmount
	}
	err := validation.Validate(string(input.PaymentMethod()), validation.In(string(PaymentMethodCash), string(PaymentMethodQR)))
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, input.Method)
	}
	return nil
}

// PaymentMethod returns the normalized method, defaulting to cash.
func (input PaymentInput) PaymentMethod() PaymentMethod {
	method := strings.ToLower(strings.TrimSpace(input.Method))
	if method == "" {
		return PaymentMethodCash
	}
	return PaymentMethod(method)
}
