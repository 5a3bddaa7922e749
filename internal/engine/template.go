package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// Context — контекст для рендеринга шаблонов конфигурации шага.
//
// Используется в Go templates для доступа к данным:
//   - {{ .P.flow_run_uid }}, {{ .P.last_run_increment_value }}
//   - {{ ph "~parameter:date" }} или {{ param "date" }}
//   - {{ .Prev.processed_rows }} — экспорт результата предыдущего шага
type Context struct {
	// P — плейсхолдеры шага.
	P Placeholders `json:"placeholders"`

	// Prev — экспортированный результат предыдущего шага в этом запуске.
	// Пустой, если предыдущего результата нет.
	Prev map[string]any `json:"prev"`
}

// NewContext создаёт контекст рендеринга.
func NewContext(p Placeholders, prev map[string]any) *Context {
	if p == nil {
		p = make(Placeholders)
	}
	if prev == nil {
		prev = make(map[string]any)
	}
	return &Context{
		P:    p,
		Prev: prev,
	}
}

// funcs возвращает функции шаблона, привязанные к контексту.
func (c *Context) funcs() template.FuncMap {
	return template.FuncMap{
		// ph — плейсхолдер по полному ключу, ошибка если ключа нет
		"ph": func(key string) (string, error) {
			v, ok := c.P.Get(key)
			if !ok {
				return "", fmt.Errorf("%w: %s", ErrUnknownPlaceholder, key)
			}
			return v, nil
		},

		// param — внешний параметр, ошибка если параметра нет
		"param": func(name string) (string, error) {
			v, ok := c.P.Param(name)
			if !ok {
				return "", fmt.Errorf("%w: %s%s", ErrUnknownPlaceholder, ParameterPrefix, name)
			}
			return v, nil
		},

		// hasPh — проверяет наличие непустого плейсхолдера
		"hasPh": func(key string) bool {
			v, ok := c.P.Get(key)
			return ok && v != ""
		},
	}
}

// templateFuncs — дополнительные функции для шаблонов.
var templateFuncs = template.FuncMap{
	// json — сериализует значение в JSON строку
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — возвращает значение по умолчанию, если первый аргумент пустой
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	// coalesce — возвращает первое непустое значение
	"coalesce": func(values ...any) any {
		for _, v := range values {
			if v != nil {
				if s, ok := v.(string); ok && s == "" {
					continue
				}
				return v
			}
		}
		return nil
	},

	// toJSON — алиас для json
	"toJSON": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	},

	// fromJSON — парсит JSON строку
	"fromJSON": func(s string) any {
		var result any
		if err := json.Unmarshal([]byte(s), &result); err != nil {
			return nil
		}
		return result
	},

	// join — объединяет слайс строк
	"join": func(sep string, items []string) string {
		return strings.Join(items, sep)
	},

	// split — разбивает строку на слайс
	"split": func(sep, s string) []string {
		return strings.Split(s, sep)
	},

	// contains — проверяет, содержит ли строка подстроку
	"contains": strings.Contains,

	// hasPrefix — проверяет префикс строки
	"hasPrefix": strings.HasPrefix,

	// hasSuffix — проверяет суффикс строки
	"hasSuffix": strings.HasSuffix,

	// lower — приводит к нижнему регистру
	"lower": strings.ToLower,

	// upper — приводит к верхнему регистру
	"upper": strings.ToUpper,

	// trim — удаляет пробелы по краям
	"trim": strings.TrimSpace,

	// replace — заменяет подстроку
	"replace": strings.ReplaceAll,
}

// Render рендерит строковый шаблон с контекстом.
//
// Шаблон может содержать Go template выражения:
//
//	{{ .P.step_run_uid }}
//	{{ param "region" }}
//	{{ if hasPh "last_run_increment_value" }}...{{ end }}
func Render(tmpl string, ctx *Context) (string, error) {
	// Проверяем, содержит ли строка шаблонные выражения
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	if ctx == nil {
		ctx = NewContext(nil, nil)
	}

	t, err := template.New("").Option("missingkey=zero").Funcs(templateFuncs).Funcs(ctx.funcs()).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}

	return buf.String(), nil
}

// RenderValue рендерит произвольное значение.
// Рекурсивно обрабатывает map и slice.
func RenderValue(value any, ctx *Context) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch v := value.(type) {
	case string:
		return Render(v, ctx)

	case map[string]any:
		result := make(map[string]any, len(v))
		for key, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, err
			}
			result[key] = rendered
		}
		return result, nil

	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, err
			}
			result[i] = rendered
		}
		return result, nil

	case map[string]string:
		result := make(map[string]string, len(v))
		for key, val := range v {
			rendered, err := Render(val, ctx)
			if err != nil {
				return nil, err
			}
			result[key] = rendered
		}
		return result, nil

	case []string:
		result := make([]string, len(v))
		for i, val := range v {
			rendered, err := Render(val, ctx)
			if err != nil {
				return nil, err
			}
			result[i] = rendered
		}
		return result, nil

	default:
		// Для остальных типов (int, float, bool) возвращаем как есть
		return value, nil
	}
}

// RenderConfig рендерит конфигурацию шага.
// Это обёртка над RenderValue для map[string]any.
func RenderConfig(config map[string]any, ctx *Context) (map[string]any, error) {
	if config == nil {
		return make(map[string]any), nil
	}

	rendered, err := RenderValue(config, ctx)
	if err != nil {
		return nil, err
	}

	result, ok := rendered.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected map, got %T", ErrTemplateRender, rendered)
	}

	return result, nil
}
