package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// registerPage serves the request form. It talks to the JSON API only.
func registerPage(e *echo.Echo) {
	e.GET("/", func(c echo.Context) error {
		return c.HTML(http.StatusOK, pageHTML)
	})
}

const pageHTML = `<!DOCTYPE html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>dashforge</title>
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <style>
      body{font-family:system-ui,sans-serif;max-width:60rem;margin:2rem auto;padding:0 1rem;}
      textarea{width:100%;min-height:6rem;font:inherit;}
      pre{background:#f4f4f4;padding:1rem;overflow:auto;white-space:pre-wrap;}
      .status{font-weight:600;margin:1rem 0;}
      .failure,.failed{color:#b00020;} .success{color:#1b7f3b;}
    </style>
  </head>
  <body>
    <h1>Dashboard generator</h1>
    <form id="f">
      <textarea id="request" placeholder="Describe the dashboard you want, e.g. near earth asteroids this week by size and speed"></textarea>
      <p>
        <label><input type="checkbox" id="show_code" checked /> Show code</label>
        <label>Token <input type="password" id="token" placeholder="optional bearer token" /></label>
        <button type="submit">Generate</button>
      </p>
    </form>
    <div id="status" class="status"></div>
    <div id="launch"></div>
    <h3>Plan</h3><pre id="plan"></pre>
    <h3>Code</h3><pre id="code"></pre>
    <script>
      const $ = (id) => document.getElementById(id);
      const headers = () => {
        const h = {"Content-Type": "application/json"};
        if ($("token").value) h["Authorization"] = "Bearer " + $("token").value;
        return h;
      };
      const render = (g) => {
        $("status").className = "status " + g.status;
        $("status").textContent = g.status + (g.error ? ": " + g.error : "") + " (" + g.iterations + " debug runs)";
        $("plan").textContent = JSON.stringify(g.plan || {}, null, 1);
        $("code").textContent = g.final_code || "";
        $("launch").innerHTML = "";
        if (g.final_code) {
          const b = document.createElement("button");
          b.textContent = "Launch dashboard";
          b.onclick = async () => {
            const r = await fetch("/api/generations/" + g.id + "/launch", {method: "POST", headers: headers()});
            const j = await r.json();
            $("launch").textContent = r.ok ? "Running at " + j.url : j.error;
          };
          $("launch").appendChild(b);
        }
      };
      $("f").onsubmit = async (ev) => {
        ev.preventDefault();
        $("status").className = "status";
        $("status").textContent = "Planning, sourcing, coding and debugging...";
        const body = JSON.stringify({request: $("request").value, show_code: $("show_code").checked});
        const r = await fetch("/api/generations", {method: "POST", headers: headers(), body});
        const j = await r.json();
        if (!r.ok) { $("status").textContent = j.error; return; }
        if (r.status === 202) {
          const poll = async () => {
            const p = await fetch("/api/generations/" + j.id + "?show_code=" + $("show_code").checked, {headers: headers()});
            const g = await p.json();
            if (g.status === "running") { $("status").textContent = "Working on " + g.id + "..."; setTimeout(poll, 2000); return; }
            render(g);
          };
          poll();
          return;
        }
        render(j);
      };
    </script>
  </body>
</html>`
