// SPDX-License-Identifier: Apache-2.0

package templates

import (
	"bytes"
	"text/template"

	"github.com/lib/pq"
)

// FunctionConfig renders EnqueueFunction: one function per base table,
// enqueuing for every entity that depends on it.
type FunctionConfig struct {
	CatalogSchema string
	FunctionName  string
	Entities      []string
}

// TriggerConfig renders EnqueueTrigger: the registration binding
// FunctionName to BaseTable.
type TriggerConfig struct {
	TriggerName  string
	BaseTable    string
	FunctionName string
}

func BuildEnqueueFunction(cfg FunctionConfig) (string, error) {
	return executeTemplate("enqueue_function", EnqueueFunction, cfg)
}

func BuildEnqueueTrigger(cfg TriggerConfig) (string, error) {
	return executeTemplate("enqueue_trigger", EnqueueTrigger, cfg)
}

func executeTemplate(name, content string, cfg any) (string, error) {
	tmpl := template.Must(template.New(name).
		Funcs(template.FuncMap{
			"qi": pq.QuoteIdentifier,
			"ql": pq.QuoteLiteral,
		}).
		Parse(content))

	buf := bytes.Buffer{}
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}
