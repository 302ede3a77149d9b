package endpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit is the maximum byte length of a decoded field value
// unless the field carries a maxLength tag.
var defaultFieldLimit = 16 * 1024

// maxJSONBody bounds the request body read for application/json requests.
var maxJSONBody int64 = 64 * 1024

// Unmarshal populates dst (a non-nil pointer to a struct) from the request.
//
// Supported struct tags, in order of precedence:
//   - `path:"name"`   r.PathValue(name)
//   - `query:"name"`  r.URL.Query()
//   - `form:"name"`   r.PostForm, for urlencoded and multipart bodies
//   - `header:"name"` r.Header
//
// For application/json requests the body is first decoded into dst with
// encoding/json, so `json` tags also apply; the sources above then override
// it. Field values longer than `maxLength:"n"` (default 16KB, "0" for no
// limit) are rejected with 400.
//
// Supported field kinds are string, bool, the integer kinds and pointers to
// them. Anonymous struct fields are decoded recursively. Fields without data
// keep their current value.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() != reflect.Struct {
		return Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: unsupported dst %s", root.Type()))
	}
	if root.NumField() == 0 {
		return nil
	}

	if isJSON(r) && r.Body != nil && r.Body != http.NoBody {
		dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
		if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			return Error(http.StatusBadRequest, "invalid request body", err)
		}
	} else if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
		if err := parseForm(r); err != nil {
			return Error(http.StatusBadRequest, "invalid form body", err)
		}
	}

	return decodeStruct(r, root)
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

func parseForm(r *http.Request) error {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "multipart/form-data" {
		return r.ParseMultipartForm(1 << 20)
	}
	return r.ParseForm()
}

var sources = []string{"path", "query", "form", "header"}

func decodeStruct(r *http.Request, sv reflect.Value) error {
	st := sv.Type()
	for i := 0; i < st.NumField(); i++ {
		sf := st.Field(i)
		fv := sv.Field(i)

		if sf.Anonymous && sf.Type.Kind() == reflect.Struct {
			if err := decodeStruct(r, fv); err != nil {
				return err
			}
			continue
		}
		if !sf.IsExported() {
			continue
		}

		raw, name, ok := lookup(r, sf)
		if !ok {
			continue
		}
		limit, err := fieldLimit(sf)
		if err != nil {
			return Error(http.StatusInternalServerError, "", err)
		}
		if limit > 0 && len(raw) > limit {
			return Error(http.StatusBadRequest, fmt.Sprintf("parameter %q too long", name), nil)
		}
		if err := setValue(fv, raw); err != nil {
			return Error(http.StatusBadRequest, fmt.Sprintf("invalid parameter %q", name), err)
		}
	}
	return nil
}

func lookup(r *http.Request, sf reflect.StructField) (string, string, bool) {
	for _, src := range sources {
		tag, ok := sf.Tag.Lookup(src)
		if !ok || tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if name == "" {
			name = strings.ToLower(sf.Name)
		}
		switch src {
		case "path":
			if v := r.PathValue(name); v != "" {
				return v, name, true
			}
		case "query":
			if vs, ok := r.URL.Query()[name]; ok && len(vs) > 0 {
				return vs[0], name, true
			}
		case "form":
			if vs, ok := r.PostForm[name]; ok && len(vs) > 0 {
				return vs[0], name, true
			}
		case "header":
			if vs := r.Header.Values(name); len(vs) > 0 {
				return vs[0], name, true
			}
		}
	}
	return "", "", false
}

func fieldLimit(sf reflect.StructField) (int, error) {
	tag, ok := sf.Tag.Lookup("maxLength")
	if !ok {
		return defaultFieldLimit, nil
	}
	if tag == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(tag)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("endpoint: decode: bad maxLength %q on %s", tag, sf.Name)
	}
	return n, nil
}

func setValue(fv reflect.Value, raw string) error {
	if fv.Kind() == reflect.Pointer {
		nv := reflect.New(fv.Type().Elem())
		if err := setValue(nv.Elem(), raw); err != nil {
			return err
		}
		fv.Set(nv)
		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetUint(n)
	default:
		return fmt.Errorf("unsupported field kind %s", fv.Kind())
	}
	return nil
}
