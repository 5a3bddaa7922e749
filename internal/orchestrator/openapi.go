package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// LoadOpenAPI загружает и проверяет документ OpenAPI из файла или по URL.
// Пустой location даёт nil без ошибки.
func LoadOpenAPI(ctx context.Context, location string) (*openapi3.T, error) {
	if location == "" {
		return nil, nil
	}

	loader := openapi3.NewLoader()
	loader.Context = ctx
	loader.IsExternalRefsAllowed = true

	var (
		doc *openapi3.T
		err error
	)
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		u, perr := url.Parse(location)
		if perr != nil {
			return nil, fmt.Errorf("parse openapi url: %w", perr)
		}
		doc, err = loader.LoadFromURI(u)
	} else {
		doc, err = loader.LoadFromFile(location)
	}
	if err != nil {
		return nil, fmt.Errorf("load openapi %s: %w", location, err)
	}

	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validate openapi %s: %w", location, err)
	}
	return doc, nil
}
