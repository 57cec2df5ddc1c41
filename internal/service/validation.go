package service

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"ceylontea/backend/internal/domain"
)

type teaRules struct {
	Name          string       `json:"name" validate:"required,max=100"`
	Price         domain.Money `json:"price" validate:"nonnegative,maxdigits=10,decimalplaces=2,maxwhole=8"`
	StockQuantity int          `json:"stock_quantity" validate:"gte=0,lte=2147483647"`
}

type saleRules struct {
	Tea          *int64  `json:"tea" validate:"required"`
	Quantity     *int    `json:"quantity" validate:"required,lte=2147483647"`
	CustomerName *string `json:"customer_name" validate:"omitempty,max=100"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// Money is validated through its exact decimal text so the digit rules
	// see what the client actually sent.
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if m, ok := field.Interface().(domain.Money); ok {
			return m.Decimal.String()
		}
		return nil
	}, domain.Money{})

	mustRegister(v, "nonnegative", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && !d.IsNegative()
	})
	mustRegister(v, "maxdigits", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		if err != nil {
			return false
		}
		limit, _ := strconv.Atoi(fl.Param())
		return countDigits(d) <= limit
	})
	mustRegister(v, "decimalplaces", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		if err != nil {
			return false
		}
		limit, _ := strconv.Atoi(fl.Param())
		return decimalPlaces(d) <= int32(limit)
	})
	mustRegister(v, "maxwhole", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		if err != nil {
			return false
		}
		limit, _ := strconv.Atoi(fl.Param())
		return wholeDigits(d) <= limit
	})

	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %s validation: %v", tag, err))
	}
}

// collect runs struct validation and merges the failures into verr, skipping
// fields that already carry a message.
func (s *Service) collect(rules any, verr *ValidationError) {
	err := s.validate.Struct(rules)
	if err == nil {
		return
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		verr.Add(NonFieldErrors, err.Error())
		return
	}
	for _, fe := range fieldErrs {
		if verr.Has(fe.Field()) {
			continue
		}
		verr.Add(fe.Field(), messageFor(fe))
	}
}

func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		if fe.Kind() == reflect.String {
			return "This field may not be blank."
		}
		return "This field is required."
	case "max":
		return fmt.Sprintf("Ensure this field has no more than %s characters.", fe.Param())
	case "gte", "nonnegative":
		param := fe.Param()
		if param == "" {
			param = "0"
		}
		return fmt.Sprintf("Ensure this value is greater than or equal to %s.", param)
	case "maxdigits":
		return fmt.Sprintf("Ensure that there are no more than %s digits in total.", fe.Param())
	case "decimalplaces":
		return fmt.Sprintf("Ensure that there are no more than %s decimal places.", fe.Param())
	case "maxwhole":
		return fmt.Sprintf("Ensure that there are no more than %s digits before the decimal point.", fe.Param())
	case "lte":
		return fmt.Sprintf("Ensure this value is less than or equal to %s.", fe.Param())
	}
	return "Invalid value."
}

// decimalPlaces ignores trailing zeros, so 380.50 and 380.5 both have one.
func decimalPlaces(d decimal.Decimal) int32 {
	text := d.String()
	dot := strings.IndexByte(text, '.')
	if dot < 0 {
		return 0
	}
	return int32(len(strings.TrimRight(text[dot+1:], "0")))
}

func wholeDigits(d decimal.Decimal) int {
	whole := d.Abs().Truncate(0).String()
	if whole == "0" {
		return 0
	}
	return len(whole)
}

func countDigits(d decimal.Decimal) int {
	return wholeDigits(d) + int(decimalPlaces(d))
}
