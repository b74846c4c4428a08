// Package secrets hydrates configuration strings that reference an external
// secret store.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Scheme marks a string setting as a secret reference.
const Scheme = "vault://"

// Resolver turns a secret reference into its value.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// IsReference reports whether s is a secret reference.
func IsReference(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), Scheme)
}

// Hydrate walks target, which must be a non-nil pointer, and replaces every
// string field, slice element and map value holding a reference with the
// resolved secret. It returns how many values were replaced.
func Hydrate(ctx context.Context, target any, r Resolver) (int, error) {
	if target == nil || r == nil {
		return 0, nil
	}
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return 0, errors.New("secrets: target must be a non-nil pointer")
	}
	h := hydrator{ctx: ctx, r: r}
	err := h.walk(v.Elem())
	return h.n, err
}

type hydrator struct {
	ctx context.Context
	r   Resolver
	n   int
}

func (h *hydrator) resolve(raw string) (string, bool, error) {
	if !IsReference(raw) {
		return raw, false, nil
	}
	ref := strings.TrimSpace(raw)
	val, err := h.r.Resolve(h.ctx, ref)
	if err != nil {
		return "", false, fmt.Errorf("resolve %s: %w", ref, err)
	}
	h.n++
	return val, true, nil
}

func (h *hydrator) walk(v reflect.Value) error {
	switch v.Kind() {
	case reflect.String:
		if !v.CanSet() {
			return nil
		}
		val, ok, err := h.resolve(v.String())
		if err != nil {
			return err
		}
		if ok {
			v.SetString(val)
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !v.Type().Field(i).IsExported() {
				continue
			}
			if err := h.walk(v.Field(i)); err != nil {
				return err
			}
		}
	case reflect.Pointer:
		if !v.IsNil() {
			return h.walk(v.Elem())
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := h.walk(v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Map:
		// map values are not addressable; walk a copy and store it back
		iter := v.MapRange()
		for iter.Next() {
			cp := reflect.New(iter.Value().Type()).Elem()
			cp.Set(iter.Value())
			before := h.n
			if err := h.walk(cp); err != nil {
				return err
			}
			if h.n != before {
				v.SetMapIndex(iter.Key(), cp)
			}
		}
	}
	return nil
}
