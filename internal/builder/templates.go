package builder

// Stock templates for the built-in schema, selectable by name in
// configuration.
var stockTemplates = map[string]stockTemplate{
	"hosts": {
		types: []string{"system", "interface"},
		text: `# generated at seq {{.Seq}}; do not edit
127.0.0.1	localhost
{{range .Of "system" -}}
{{$sys := . -}}
{{range .All "ip" -}}
{{.}}	{{$sys.Get "hostname"}}{{range $sys.All "aliases"}} {{.}}{{end}}
{{end -}}
{{range .Ref "interfaces"}}{{if .Has "ip" -}}
{{.Get "ip"}}	{{$sys.Get "hostname"}}-{{.Get "name"}}
{{end}}{{end -}}
{{end -}}
`,
	},
	"passwd": {
		types: []string{"user", "group"},
		text: `{{range .Of "user" -}}
{{.Get "username"}}:x:{{.Get "uid"}}:{{with .Ref "groups"}}{{(index . 0).Get "gid"}}{{else}}{{.Get "uid"}}{{end}}:{{.Get "fullname"}}:{{.Get "home"}}:{{default "/usr/sbin/nologin" (.Get "shell")}}
{{end -}}
`,
	},
	"group": {
		types: []string{"group", "user"},
		text: `{{range .Of "group" -}}
{{.Get "name"}}:x:{{.Get "gid"}}:{{join (names "username" (.Referrers "user" "groups")) ","}}
{{end -}}
`,
	},
	"auto.home": {
		types: []string{"automount"},
		text: `{{range .Of "automount" -}}
{{.Get "key"}}	{{with .Get "options"}}{{.}} {{end}}{{.Get "location"}}
{{end -}}
`,
	},
}

type stockTemplate struct {
	types []string
	text  string
}

// StockTemplates returns the names of the built-in templates.
func StockTemplates() []string {
	return []string{"auto.home", "group", "hosts", "passwd"}
}
