package handlers

import "github.com/xeipuuv/gojsonschema"

var TranscodeRequestSchemaDefinition = `{
	"type": "object",
	"properties": {
		"key": {
			"type": "string",
			"minLength": 1
		},
		"resolutions": {
			"type": "array",
			"items": {
				"type": "string"
			}
		},
		"priority": {
			"type": "integer",
			"minimum": 0
		},
		"videoName": {
			"type": "string"
		},
		"callback_url": {
			"type": "string",
			"format": "uri"
		}
	},
	"required": ["key"],
	"additionalProperties": false
}`

var inputSchemas map[string]string = map[string]string{
	"Transcode": TranscodeRequestSchemaDefinition,
}

func compileJsonSchemas() map[string]*gojsonschema.Schema {
	compiled := make(map[string]*gojsonschema.Schema, 0)
	for name, text := range inputSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(text))
		if err != nil {
			// raise panic on program start
			panic(err) // fix schema text
		}
		compiled[name] = schema
	}
	return compiled
}

// Run compile step on program start:
var inputSchemasCompiled map[string]*gojsonschema.Schema = compileJsonSchemas()
