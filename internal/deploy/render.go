// Package deploy renders deployment manifests and drives rollouts to a
// terminal state. The cluster itself is external; this package only submits
// manifests and polls workload status.
package deploy

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/conveyhq/convey/internal/fault"
)

// DefaultTemplate is the parameterized deployment manifest rendered for each
// release. Substituted values come from the pipeline run.
const DefaultTemplate = `{
  "namespace": "{{ .Namespace }}",
  "name": "{{ .Name }}",
  "image": "{{ .Image }}",
  "replicas": {{ .Replicas }},
  "env": {
    "DEPLOYED_BY": "convey"
  }
}`

// Values parameterize the deployment template.
type Values struct {
	Namespace string
	Name      string
	Image     string
	Replicas  int
}

// Manifest is a rendered, ready-to-apply deployment description.
type Manifest struct {
	Namespace string            `json:"namespace"`
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	Replicas  int               `json:"replicas"`
	Env       map[string]string `json:"env,omitempty"`
}

// Render substitutes values into the template and parses the result. Missing
// or empty required values fail with TemplateInvalid before anything touches
// the cluster.
func Render(tmpl string, values Values) (Manifest, error) {
	for _, f := range []struct{ name, value string }{
		{"namespace", values.Namespace},
		{"name", values.Name},
		{"image", values.Image},
	} {
		if f.value == "" {
			return Manifest{}, fmt.Errorf("%w: required value %s is missing", fault.ErrTemplateInvalid, f.name)
		}
	}
	if values.Replicas < 1 {
		return Manifest{}, fmt.Errorf("%w: replicas must be at least 1, got %d", fault.ErrTemplateInvalid, values.Replicas)
	}

	t, err := template.New("manifest").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", fault.ErrTemplateInvalid, err)
	}

	var rendered strings.Builder
	if err := t.Execute(&rendered, values); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", fault.ErrTemplateInvalid, err)
	}

	var m Manifest
	if err := json.Unmarshal([]byte(rendered.String()), &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: rendered manifest is not valid JSON: %v", fault.ErrTemplateInvalid, err)
	}
	return m, nil
}
