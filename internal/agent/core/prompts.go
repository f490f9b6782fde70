package core

import (
	"fmt"
	"strings"
)

func planningSystemPrompt(domain string) string {
	return fmt.Sprintf(`You are the head AI agent working to make dashboards using %s data.
Your goal is to make interesting interactive dashboards that include tools to help users understand the data.
Convert the user prompt into a JSON plan with specific tasks for other AI developers to follow.
Include a list of the specific data the Data Sourcing Agent must find.
Prefer these top-level keys: "title", "description", "data_requirements", "visualizations", "interactivity".
Respond with the JSON object only. Do not include a markdown header or code fences.`, domain)
}

func sourcingSystemPrompt(domain string, secretEnv []string) string {
	return fmt.Sprintf(`You are a data sourcing agent. Based on the plan, find the proper %s to get the required data.
If other APIs are needed use only free sources that need no signup.
You have no API keys other than the ones in these environment variables: %s.
Then generate valid Python code to pull that data. Only return the Python code that sources the data; it will be used as is.
Complete all the requirements given by the planning agent.
Include a test pulling all necessary data into a variable called 'data'. Be sure that there is actual data.
Use historical data if no live data is available. Find as much data as possible.
Do not include a markdown header or code fences. Only Python code.`, domain, envList(secretEnv))
}

const codingSystemPrompt = `You are a skilled software engineer proficient in Python. You receive a project plan and
Python code that pulls the data. Your job is to use the data to produce a complete Streamlit dashboard.
The dashboard should be interactive, visualize data using plots as needed, include titles and explanations,
be readable and modular, include the data fetching and loading code given by the data agent, and handle errors in data.
Return only working, executable, complete Python code as your final output. Do not use markdown formatting or code fences.`

func debuggingSystemPrompt(secretEnv []string) string {
	return fmt.Sprintf(`You are in charge of debugging the dashboard Python code.
API keys are available only as environment variables: %s. Do not use streamlit secrets.
Check that all syntax is correct. Ensure that the code will run and generate a valid dashboard.
You are the final step before the code is given to the user. Code must be runnable.
Only return Python code, no description, no code fences. Use st.cache_data, not st.cache. Pay attention to data types.

Catch any potential runtime issues, especially related to:
    - API calls returning None or missing keys
    - Unpacking errors
    - Deprecated features in Streamlit
Ensure functions always return safely unpackable values.
Make sure that there is actual data and that the graphs are populated.`, envList(secretEnv))
}

func envList(names []string) string {
	quoted := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			quoted = append(quoted, "'"+n+"'")
		}
	}
	if len(quoted) == 0 {
		return "none"
	}
	return strings.Join(quoted, ", ")
}

func planningUserPrompt(request string, hints []HistoryRecord) string {
	if len(hints) == 0 {
		return request
	}
	var b strings.Builder
	b.WriteString(request)
	b.WriteString("\n\nSimilar dashboards built successfully before (for reference only):\n")
	for _, h := range hints {
		fmt.Fprintf(&b, "- %q", h.Request)
		if h.PlanSummary != "" {
			fmt.Fprintf(&b, ": %s", h.PlanSummary)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func sourcingUserPrompt(plan Plan, catalog string) string {
	if strings.TrimSpace(catalog) == "" {
		return plan.JSON()
	}
	return plan.JSON() + "\n\nAPI CATALOG:\n" + catalog
}

func codingUserPrompt(plan Plan, dataCode string) string {
	return "Plan:\n" + plan.Indented() + "\nData Info:\n" + dataCode
}

// feedback is what the previous run produced, each part already truncated.
type feedback struct {
	stdout string
	stderr string
	html   string
}

func debuggingUserPrompt(code string, prev *feedback) string {
	var b strings.Builder
	b.WriteString("Here is the current code:\n")
	b.WriteString(code)
	b.WriteString("\n\nHere is the output from running this code:\n")
	if prev != nil {
		b.WriteString("STDOUT:\n")
		b.WriteString(prev.stdout)
		b.WriteString("\nSTDERR:\n")
		b.WriteString(prev.stderr)
		b.WriteString("\n")
		if prev.html != "" {
			b.WriteString("RENDERED PAGE TEXT:\n")
			b.WriteString(prev.html)
			b.WriteString("\n")
		}
	}
	return b.String()
}
