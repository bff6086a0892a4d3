// Package docs registers the OpenAPI document of the watch-link API
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/api/v1/link/create": {
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["WatchLink"],
                "summary": "Create Watch Link",
                "parameters": [
                    {"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/dto.CreateLinkRequest"}}
                ],
                "responses": {
                    "200": {"description": "Watch link reused", "schema": {"$ref": "#/definitions/dto.APIResponse"}},
                    "201": {"description": "Watch link created", "schema": {"$ref": "#/definitions/dto.APIResponse"}},
                    "400": {"description": "Validation error or no eligible ad", "schema": {"$ref": "#/definitions/dto.APIResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/dto.APIResponse"}},
                    "409": {"description": "Concurrent request for the same subscriber", "schema": {"$ref": "#/definitions/dto.APIResponse"}}
                }
            }
        },
        "/api/v1/video/{token}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["WatchLink"],
                "summary": "Fetch Video",
                "parameters": [
                    {"type": "string", "name": "token", "in": "path", "required": true},
                    {"type": "string", "name": "X-Meta-Base64", "in": "header"},
                    {"type": "string", "name": "meta_base64", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "Video ready", "schema": {"$ref": "#/definitions/dto.APIResponse"}},
                    "400": {"description": "Missing or invalid envelope", "schema": {"$ref": "#/definitions/dto.APIResponse"}},
                    "403": {"description": "Subscriber mismatch or blocked", "schema": {"$ref": "#/definitions/dto.APIResponse"}},
                    "404": {"description": "Unknown token", "schema": {"$ref": "#/definitions/dto.APIResponse"}},
                    "410": {"description": "Expired or completed", "schema": {"$ref": "#/definitions/dto.APIResponse"}}
                }
            }
        },
        "/api/v1/track/start": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["WatchLink"],
                "summary": "Track Start",
                "parameters": [
                    {"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/dto.TrackRequest"}}
                ],
                "responses": {
                    "200": {"description": "Playback started", "schema": {"$ref": "#/definitions/dto.APIResponse"}},
                    "403": {"description": "Credential mismatch, illegal phase or blocked", "schema": {"$ref": "#/definitions/dto.APIResponse"}},
                    "409": {"description": "Concurrent transition", "schema": {"$ref": "#/definitions/dto.APIResponse"}},
                    "410": {"description": "Expired", "schema": {"$ref": "#/definitions/dto.APIResponse"}}
                }
            }
        },
        "/api/v1/track/complete": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["WatchLink"],
                "summary": "Track Complete",
                "parameters": [
                    {"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/dto.TrackRequest"}}
                ],
                "responses": {
                    "200": {"description": "Reward granted", "schema": {"$ref": "#/definitions/dto.APIResponse"}},
                    "202": {"description": "Completed; settlement pending", "schema": {"$ref": "#/definitions/dto.APIResponse"}},
                    "403": {"description": "Credential mismatch, completion without start or blocked", "schema": {"$ref": "#/definitions/dto.APIResponse"}},
                    "409": {"description": "Concurrent transition", "schema": {"$ref": "#/definitions/dto.APIResponse"}},
                    "410": {"description": "Expired", "schema": {"$ref": "#/definitions/dto.APIResponse"}}
                }
            }
        },
        "/api/v1/ops/sessions/{token}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Ops"],
                "summary": "Inspect Watch Session",
                "parameters": [{"type": "string", "name": "token", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "Session retrieved", "schema": {"$ref": "#/definitions/dto.APIResponse"}},
                    "404": {"description": "Unknown token", "schema": {"$ref": "#/definitions/dto.APIResponse"}}
                }
            }
        },
        "/api/v1/ops/settlements/{token}/retry": {
            "post": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Ops"],
                "summary": "Retry Settlement",
                "parameters": [{"type": "string", "name": "token", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "Settled", "schema": {"$ref": "#/definitions/dto.APIResponse"}},
                    "404": {"description": "Unknown token", "schema": {"$ref": "#/definitions/dto.APIResponse"}},
                    "409": {"description": "Session not completed", "schema": {"$ref": "#/definitions/dto.APIResponse"}}
                }
            }
        },
        "/api/v1/ops/fraud/export": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"],
                "tags": ["Ops"],
                "summary": "Export Fraud Report",
                "parameters": [
                    {"type": "string", "name": "from", "in": "query", "required": true},
                    {"type": "string", "name": "to", "in": "query", "required": true},
                    {"type": "integer", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "Workbook", "schema": {"type": "file"}},
                    "400": {"description": "Invalid time range", "schema": {"$ref": "#/definitions/dto.APIResponse"}}
                }
            }
        }
    },
    "definitions": {
        "dto.APIResponse": {
            "type": "object",
            "properties": {
                "success": {"type": "boolean"},
                "message": {"type": "string"},
                "data": {},
                "error": {}
            }
        },
        "dto.CreateLinkRequest": {
            "type": "object",
            "required": ["subscriber_id"],
            "properties": {
                "subscriber_id": {"type": "string", "maxLength": 32, "minLength": 5}
            }
        },
        "dto.TrackRequest": {
            "type": "object",
            "required": ["token", "credential"],
            "properties": {
                "token": {"type": "string", "maxLength": 64},
                "credential": {"type": "string", "maxLength": 128},
                "meta_base64": {"type": "string"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Kusanagi Watch-Link API",
	Description:      "SMS-distributed video ads with verified watch sessions and sponsor-funded rewards.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
