package helpers

import "testing"

func TestStripCodeFencesPrefersLanguage(t *testing.T) {
	in := "Here you go:\n```bash\npip install streamlit\n```\n```python\nimport streamlit as st\nst.title('x')\n```\nDone."
	got := StripCodeFences(in, "python", "py")
	if got != "import streamlit as st\nst.title('x')" {
		t.Fatalf("got %q", got)
	}
}

func TestStripCodeFencesFallsBackToFirstBlock(t *testing.T) {
	in := "```\nprint(1)\n```"
	if got := StripCodeFences(in, "python"); got != "print(1)" {
		t.Fatalf("got %q", got)
	}
}

func TestStripCodeFencesUnterminated(t *testing.T) {
	in := "```python\nimport pandas as pd\ndf = pd.DataFrame()"
	if got := StripCodeFences(in, "python"); got != "import pandas as pd\ndf = pd.DataFrame()" {
		t.Fatalf("got %q", got)
	}
}

func TestStripCodeFencesPlainText(t *testing.T) {
	if got := StripCodeFences("  x = 1\n"); got != "x = 1" {
		t.Fatalf("got %q", got)
	}
}

func TestStripCodeFencesKeepsProgramWithEmbeddedFence(t *testing.T) {
	in := "import streamlit as st\nst.markdown(\"\"\"\n```python\nprint(1)\n```\n\"\"\")\nst.title('x')"
	if got := StripCodeFences(in, "python", "py"); got != in {
		t.Fatalf("program was cut down to %q", got)
	}
}

func TestStripCodeFencesProseAroundBlock(t *testing.T) {
	in := "The fixed version:\n\n```python\nimport streamlit as st\n```\n\nIt now handles missing keys."
	if got := StripCodeFences(in, "python"); got != "import streamlit as st" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\": 1}\n```":                  `{"a": 1}`,
		"Sure! {\"a\": \"}{\", \"b\": [1,2]} thanks": `{"a": "}{", "b": [1,2]}`,
		"[1, {\"x\": 2}]":                           `[1, {"x": 2}]`,
	}
	for in, want := range cases {
		got, err := ExtractJSON(in)
		if err != nil {
			t.Fatalf("extract %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("extract %q = %q, want %q", in, got, want)
		}
	}
	if _, err := ExtractJSON("no json here"); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := ExtractJSON("{\"open\": "); err == nil {
		t.Fatalf("expected error for unbalanced input")
	}
}
