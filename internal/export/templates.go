package export

import (
	"bytes"
	"html/template"
	"time"
)

var reportTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}
	reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(reportTemplateHTML))
}

// TemplateData holds data for report template rendering
type TemplateData struct {
	StudyUID    string
	Description string
	GeneratedAt time.Time
	Series      []TemplateSeries
}

// TemplateSeries groups one series' annotations for the template
type TemplateSeries struct {
	SeriesUID   string
	Annotations []TemplateAnnotation
}

// TemplateAnnotation holds one annotation row for the template
type TemplateAnnotation struct {
	Kind        string
	Label       string
	Instance    string
	Measurement string
	Unsynced    bool
}

// RenderReportHTML renders the annotation report template with provided data
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reportTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Annotation Report {{.StudyUID}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    table { border-collapse: collapse; width: 100%; margin: 1rem 0; }
    th, td { border: 1px solid #ccc; padding: 0.4rem 0.6rem; text-align: left; font-size: 0.9em; }
    th { background: #f5f5f5; }
    .unsynced { color: #b00; font-weight: bold; }
  </style>
</head>
<body>
  <h1>Annotation Report</h1>
  {{if .Description}}<p>{{.Description}}</p>{{end}}
  <div class="meta">Study {{.StudyUID}} | generated {{formatDate .GeneratedAt "Jan 2, 2006 15:04 MST"}}</div>
  {{range .Series}}
  <h2>Series {{.SeriesUID}}</h2>
  <table>
    <tr><th>Kind</th><th>Label</th><th>Instance</th><th>Measurement</th><th></th></tr>
    {{range .Annotations}}
    <tr>
      <td>{{.Kind}}</td>
      <td>{{.Label}}</td>
      <td>{{.Instance}}</td>
      <td>{{.Measurement}}</td>
      <td>{{if .Unsynced}}<span class="unsynced">unsynced</span>{{end}}</td>
    </tr>
    {{end}}
  </table>
  {{end}}
</body>
</html>`
