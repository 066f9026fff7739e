package crm

import (
	"encoding/json"
	"strings"
)

// queryResponse is one page of a SOQL query result
type queryResponse struct {
	TotalSize      int              `json:"totalSize"`
	Done           bool             `json:"done"`
	NextRecordsURL string           `json:"nextRecordsUrl"`
	Records        []map[string]any `json:"records"`
}

// apiError is one entry of the error array returned by the REST API
type apiError struct {
	Message   string   `json:"message"`
	ErrorCode string   `json:"errorCode"`
	Fields    []string `json:"fields"`
}

// oauthError is the error shape returned by the token and identity endpoints
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// parseErrorBody extracts the first error from either the array form
// ([{message, errorCode, fields}]) or the object forms of an error body.
func parseErrorBody(body []byte) apiError {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return apiError{}
	}
	if strings.HasPrefix(trimmed, "[") {
		var list []apiError
		if err := json.Unmarshal(body, &list); err == nil && len(list) > 0 {
			return list[0]
		}
		return apiError{}
	}

	var single apiError
	if err := json.Unmarshal(body, &single); err == nil && (single.ErrorCode != "" || single.Message != "") {
		return single
	}
	var oe oauthError
	if err := json.Unmarshal(body, &oe); err == nil && oe.Error != "" {
		return apiError{ErrorCode: oe.Error, Message: oe.ErrorDescription}
	}
	return apiError{}
}

// ---------------------------------------------------------------------------
// Composite sobjects
// ---------------------------------------------------------------------------

type compositeAttributes struct {
	Type string `json:"type"`
}

type compositeRequest struct {
	AllOrNone bool             `json:"allOrNone"`
	Records   []map[string]any `json:"records"`
}

type compositeError struct {
	StatusCode string   `json:"statusCode"`
	Message    string   `json:"message"`
	Fields     []string `json:"fields"`
}

type compositeResult struct {
	ID      string           `json:"id"`
	Success bool             `json:"success"`
	Errors  []compositeError `json:"errors"`
}

func compositeRecord(objectType, id string, fields map[string]any) map[string]any {
	rec := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		rec[k] = v
	}
	rec["attributes"] = compositeAttributes{Type: objectType}
	rec["id"] = id
	return rec
}
