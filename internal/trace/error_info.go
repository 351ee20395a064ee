package trace

import (
	"errors"
	"fmt"
	"strconv"

	openai "github.com/sashabaranov/go-openai"
)

// ErrorInfo is what a failed call persists about its error.
type ErrorInfo struct {
	Message    string
	Kind       string
	Code       int
	HTTPStatus int
}

type codedError interface {
	Code() int
}

type statusError interface {
	StatusCode() int
}

// DescribeError extracts the persisted error fields. Kind is the dynamic
// type of the outermost error. Code and HTTPStatus are taken from the
// first error in the chain that carries them.
func DescribeError(err error) ErrorInfo {
	if err == nil {
		return ErrorInfo{}
	}
	info := ErrorInfo{
		Message: err.Error(),
		Kind:    fmt.Sprintf("%T", err),
	}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	var coded codedError
	var status statusError
	switch {
	case errors.As(err, &apiErr):
		info.HTTPStatus = apiErr.HTTPStatusCode
		info.Code = apiErrorCode(apiErr)
	case errors.As(err, &reqErr):
		info.HTTPStatus = reqErr.HTTPStatusCode
		info.Code = reqErr.HTTPStatusCode
	}
	if info.Code == 0 && errors.As(err, &coded) {
		info.Code = coded.Code()
	}
	if info.HTTPStatus == 0 && errors.As(err, &status) {
		info.HTTPStatus = status.StatusCode()
	}
	return info
}

// apiErrorCode returns the provider code when it is numeric, otherwise the
// HTTP status.
func apiErrorCode(err *openai.APIError) int {
	switch code := err.Code.(type) {
	case int:
		return code
	case float64:
		return int(code)
	case string:
		if n, convErr := strconv.Atoi(code); convErr == nil {
			return n
		}
	}
	return err.HTTPStatusCode
}
