package httputil

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// APIResponse wraps the answers of the maintenance endpoints
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// WriteJSON encodes v as the response body
func WriteJSON(ctx *fasthttp.RequestCtx, v interface{}, statusCode int) {
	body, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"success":false,"message":"response encoding failed"}`)
		return
	}
	ctx.SetStatusCode(statusCode)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// JSONResponse sends an APIResponse
func JSONResponse(ctx *fasthttp.RequestCtx, success bool, message string, data interface{}, statusCode int) {
	WriteJSON(ctx, APIResponse{Success: success, Message: message, Data: data}, statusCode)
}

func JSONError(ctx *fasthttp.RequestCtx, message string, statusCode int) {
	JSONResponse(ctx, false, message, nil, statusCode)
}

func JSONData(ctx *fasthttp.RequestCtx, message string, data interface{}, statusCode int) {
	JSONResponse(ctx, true, message, data, statusCode)
}
