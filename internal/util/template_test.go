package util

import (
	"reflect"
	"strings"
	"sync"
	"testing"
)

func TestRenderTemplate_Basic(t *testing.T) {
	tmpl := "Hello {{.Name}}, you are {{.Age}} years old."
	data := map[string]interface{}{
		"Name": "Ava",
		"Age":  5,
	}

	result, err := RenderTemplate(tmpl, data)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := "Hello Ava, you are 5 years old."
	if result != expected {
		t.Errorf("Expected '%s', got '%s'", expected, result)
	}
}

func TestRenderTemplate_Conditional(t *testing.T) {
	tmpl := "Page {{.Page}}{{if .HasOutline}}: {{.Beat}}{{end}}"

	with, err := RenderTemplate(tmpl, map[string]interface{}{"Page": 1, "HasOutline": true, "Beat": "lift off"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if with != "Page 1: lift off" {
		t.Errorf("Unexpected render: %q", with)
	}

	without, err := RenderTemplate(tmpl, map[string]interface{}{"Page": 1, "HasOutline": false, "Beat": ""})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if without != "Page 1" {
		t.Errorf("Unexpected render: %q", without)
	}
}

func TestRenderTemplate_InvalidTemplate(t *testing.T) {
	_, err := RenderTemplate("Hello {{.Name", map[string]interface{}{"Name": "Ava"})
	if err == nil {
		t.Error("Expected error for invalid template, got nil")
	}
}

func TestRenderTemplate_MissingKey(t *testing.T) {
	_, err := RenderTemplate("Hello {{.Name}}", map[string]interface{}{})
	if err == nil {
		t.Error("Expected error for missing key, got nil")
	}
}

func TestRenderTemplate_ForbiddenDirectives(t *testing.T) {
	for _, tmpl := range []string{
		`{{define "x"}}hi{{end}}`,
		`{{template "x"}}`,
		`{{call .Fn}}`,
		`{{block "x" .}}hi{{end}}`,
	} {
		if _, err := RenderTemplate(tmpl, map[string]interface{}{}); err == nil {
			t.Errorf("Expected forbidden directive error for %q", tmpl)
		}
	}
}

func TestRenderTemplate_ConcurrentCacheUse(t *testing.T) {
	clearTemplateCache()

	tmpl := "Page {{.N}}"
	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := RenderTemplate(tmpl, map[string]interface{}{"N": n})
			if err != nil {
				errs <- err
				return
			}
			if !strings.HasPrefix(got, "Page ") {
				t.Errorf("Unexpected render: %q", got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Concurrent render failed: %v", err)
	}
	if _, ok := templateCache.Load(tmpl); !ok {
		t.Error("Expected the rendered template to be cached")
	}
}

func TestTruncateString(t *testing.T) {
	if got := TruncateString("héllo wörld", 5); got != "héllo..." {
		t.Errorf("TruncateString() = %q", got)
	}
	if got := TruncateString("short", 10); got != "short" {
		t.Errorf("TruncateString() = %q", got)
	}
}

func TestContainsControlChars(t *testing.T) {
	if ContainsControlChars("Ava\tLuna\n") {
		t.Error("Tabs and newlines should be allowed")
	}
	if !ContainsControlChars("Ava\x00") {
		t.Error("NUL should be rejected")
	}
}

func TestWrapText(t *testing.T) {
	got := WrapText("Ava zoomed past the moon and waved at a shy little comet", 20)
	want := []string{"Ava zoomed past the", "moon and waved at a", "shy little comet"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("WrapText() = %q, want %q", got, want)
	}
	if WrapText("   ", 10) != nil {
		t.Error("Expected nil for blank input")
	}
}
