package gateway

import (
	"fmt"
	"math"
)

func stringParam(params map[string]interface{}, key string, required bool) (string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		if required {
			return "", invalidParams(fmt.Sprintf("%s is required", key))
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", invalidParams(fmt.Sprintf("%s must be a string", key))
	}
	if required && s == "" {
		return "", invalidParams(fmt.Sprintf("%s is required", key))
	}
	return s, nil
}

func numberParam(params map[string]interface{}, key string) (float64, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return 0, nil
	}
	f, ok := raw.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, invalidParams(fmt.Sprintf("%s must be a number", key))
	}
	return f, nil
}

func objectParam(params map[string]interface{}, key string) (map[string]interface{}, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, invalidParams(fmt.Sprintf("%s must be an object", key))
	}
	return obj, nil
}
