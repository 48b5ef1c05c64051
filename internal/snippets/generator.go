// Package snippets generates copy-paste integration code for a test.
package snippets

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

type Framework string

const (
	FrameworkHTML  Framework = "html"
	FrameworkReact Framework = "react"
	FrameworkVue   Framework = "vue"
)

// Frameworks lists the supported frameworks in menu order.
var Frameworks = []Framework{FrameworkHTML, FrameworkReact, FrameworkVue}

type Variant struct {
	ID   string
	Name string
}

type Config struct {
	TestID    string
	Variants  []Variant
	ServerURL string
	Winner    string // Variant id; when set only static markup is generated
}

type SnippetFile struct {
	Filename string
	Content  string
}

type templateData struct {
	Config
	ComponentName string
	WinnerName    string
}

func ParseFramework(s string) (Framework, error) {
	switch f := Framework(strings.ToLower(strings.TrimSpace(s))); f {
	case FrameworkHTML, FrameworkReact, FrameworkVue:
		return f, nil
	}
	return "", fmt.Errorf("unsupported framework %q (want html, react or vue)", s)
}

func Generate(framework Framework, config Config) ([]SnippetFile, error) {
	if config.TestID == "" {
		return nil, fmt.Errorf("test id is required")
	}
	if len(config.Variants) == 0 {
		return nil, fmt.Errorf("test %s has no variants", config.TestID)
	}

	data := templateData{Config: config, ComponentName: toPascalCase(config.TestID)}

	if config.Winner != "" {
		for _, v := range config.Variants {
			if v.ID == config.Winner {
				data.WinnerName = v.Name
			}
		}
		if data.WinnerName == "" {
			return nil, fmt.Errorf("winner %q is not a variant of test %s", config.Winner, config.TestID)
		}
		return render(data, SnippetFile{Filename: "static-winner.html", Content: staticWinnerTemplate})
	}

	switch framework {
	case FrameworkReact:
		return render(data,
			SnippetFile{Filename: "useVariant.ts", Content: reactHookTemplate},
			SnippetFile{Filename: data.ComponentName + "Test.tsx", Content: reactComponentTemplate},
		)
	case FrameworkVue:
		return render(data,
			SnippetFile{Filename: "useVariant.ts", Content: vueComposableTemplate},
			SnippetFile{Filename: data.ComponentName + "Test.vue", Content: vueComponentTemplate},
		)
	default:
		return render(data, SnippetFile{Filename: "ab-test.html", Content: htmlTemplate})
	}
}

func render(data templateData, files ...SnippetFile) ([]SnippetFile, error) {
	out := make([]SnippetFile, 0, len(files))
	for _, f := range files {
		tmpl, err := template.New(f.Filename).Parse(f.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s template: %w", f.Filename, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("failed to render %s: %w", f.Filename, err)
		}
		out = append(out, SnippetFile{Filename: f.Filename, Content: buf.String()})
	}
	return out, nil
}

// toPascalCase turns "hero-cta_v2" into "HeroCtaV2".
func toPascalCase(s string) string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	if b.Len() == 0 || (b.String()[0] >= '0' && b.String()[0] <= '9') {
		return "Ab" + b.String()
	}
	return b.String()
}

const staticWinnerTemplate = `<!-- Test {{.TestID | html}} is decided: "{{.WinnerName | html}}" -->
<!-- Render the {{.Winner | html}} variant directly and remove the test markup. -->
<div data-variant="{{.Winner | html}}"></div>
`

const htmlTemplate = `<!-- A/B test: {{.TestID | html}} -->
<script src="{{.ServerURL}}/abt.js" defer></script>

<section data-abt-test="{{.TestID | html}}">
{{- range $i, $v := .Variants}}
  <div data-abt-variant="{{$v.ID | html}}"{{if $i}} hidden{{end}}><!-- {{$v.Name | html}} --></div>
{{- end}}
</section>

<!-- Conversion on click; add data-abt-value for revenue -->
<button data-abt-convert="{{.TestID | html}}">Get Started</button>
`

const reactHookTemplate = `import { useCallback, useEffect, useState } from 'react';

const SERVER_URL = '{{.ServerURL}}';

function sessionId(): string {
  let id = localStorage.getItem('abt_sid');
  if (!id) {
    id = crypto.randomUUID();
    localStorage.setItem('abt_sid', id);
  }
  return id;
}

export function useVariant(testId: string): string | null {
  const [variant, setVariant] = useState<string | null>(null);

  useEffect(() => {
    fetch(SERVER_URL + '/api/tests/' + encodeURIComponent(testId) + '/assign', {
      method: 'POST',
      headers: { 'Content-Type': 'application/json' },
      body: JSON.stringify({ sessionId: sessionId() }),
    })
      .then((r) => (r.ok ? r.json() : null))
      .then((res) => res && setVariant(res.variantId))
      .catch(() => {});
  }, [testId]);

  return variant;
}

export function useConvert(testId: string) {
  return useCallback((value?: number) => {
    fetch(SERVER_URL + '/api/tests/' + encodeURIComponent(testId) + '/convert', {
      method: 'POST',
      headers: { 'Content-Type': 'application/json' },
      body: JSON.stringify({ sessionId: sessionId(), value }),
      keepalive: true,
    }).catch(() => {});
  }, [testId]);
}
`

const reactComponentTemplate = `import { useConvert, useVariant } from './useVariant';

export function {{.ComponentName}}Test() {
  const variant = useVariant({{printf "%q" .TestID}});
  const convert = useConvert({{printf "%q" .TestID}});

  return (
    <section>
{{- range .Variants}}
      {variant === {{printf "%q" .ID}} && <div>{/* {{.Name}} */}</div>}
{{- end}}
      <button onClick={() => convert()}>Get Started</button>
    </section>
  );
}
`

const vueComposableTemplate = `import { onMounted, ref } from 'vue';

const SERVER_URL = '{{.ServerURL}}';

function sessionId(): string {
  let id = localStorage.getItem('abt_sid');
  if (!id) {
    id = crypto.randomUUID();
    localStorage.setItem('abt_sid', id);
  }
  return id;
}

export function useVariant(testId: string) {
  const variant = ref<string | null>(null);

  onMounted(async () => {
    try {
      const r = await fetch(SERVER_URL + '/api/tests/' + encodeURIComponent(testId) + '/assign', {
        method: 'POST',
        headers: { 'Content-Type': 'application/json' },
        body: JSON.stringify({ sessionId: sessionId() }),
      });
      if (r.ok) variant.value = (await r.json()).variantId;
    } catch {}
  });

  const convert = (value?: number) =>
    fetch(SERVER_URL + '/api/tests/' + encodeURIComponent(testId) + '/convert', {
      method: 'POST',
      headers: { 'Content-Type': 'application/json' },
      body: JSON.stringify({ sessionId: sessionId(), value }),
      keepalive: true,
    }).catch(() => {});

  return { variant, convert };
}
`

const vueComponentTemplate = `<script setup lang="ts">
import { useVariant } from './useVariant';

const { variant, convert } = useVariant({{printf "%q" .TestID}});
</script>

<template>
  <section>
{{- range .Variants}}
    <div v-if="variant === '{{.ID}}'"><!-- {{.Name}} --></div>
{{- end}}
    <button @click="convert()">Get Started</button>
  </section>
</template>
`
