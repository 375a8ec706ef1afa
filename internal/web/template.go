package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/ignition-controller/internal/eventlog"
	"github.com/sweeney/ignition-controller/internal/status"
)

// recentLogEntries is how many event log entries the status page shows.
const recentLogEntries = 20

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"ms": func(d time.Duration) int64 {
		return d.Milliseconds()
	},
	"onOff": func(b bool) string {
		if b {
			return "ON"
		}
		return "OFF"
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Ignition Controller</title>
<style>
body { font-family: monospace; max-width: 640px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.connected { color: green; }
.disconnected { color: red; }
.log td { font-size: 0.9em; }
</style>
</head>
<body>
<h1>Ignition Controller</h1>

<h2>Engine</h2>
<table>
<tr><th>RPM</th><td id="rpm">{{printf "%.0f" .Telemetry.RPM}}</td></tr>
<tr><th>Sensor</th>{{range $i, $v := .Telemetry.Sensor}}<td id="sensor-{{$i}}" class="{{if $v}}on{{else}}off{{end}}">{{onOff $v}}</td>{{end}}</tr>
<tr><th>Solenoid</th>{{range $i, $v := .Telemetry.Solenoid}}<td id="solenoid-{{$i}}" class="{{if $v}}on{{else}}off{{end}}">{{onOff $v}}</td>{{end}}</tr>
<tr><th>Stroke</th>{{range $i, $v := .Telemetry.Stroke}}<td id="stroke-{{$i}}">{{$v}}</td>{{end}}</tr>
<tr><th>Overlapping firings</th><td>{{.Overlaps}}</td></tr>
</table>

<h2>Configuration</h2>
<table>
<tr><th>Ignition</th><td class="{{if .Engine.Ignition}}on{{else}}off{{end}}">{{onOff .Engine.Ignition}}</td></tr>
<tr><th>Stroke mode</th><td>{{.Engine.StrokeMode}}</td></tr>
<tr><th>Control mode</th><td>{{.Engine.ControlMode}}</td></tr>
<tr><th>Firing delay</th><td>{{ms .Engine.FiringDelay}}ms</td></tr>
<tr><th>Firing duration</th><td>{{ms .Engine.FiringDuration}}ms ({{ms .Engine.FiringDurationMin}}..{{ms .Engine.FiringDurationMax}}ms)</td></tr>
<tr><th>Target RPM</th><td>{{.Engine.TargetRPM}}</td></tr>
<tr><th>Gains</th><td>kp {{.Engine.Gains.Kp}} ki {{.Engine.Gains.Ki}} kd {{.Engine.Gains.Kd}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>Topics</th><td>{{.Config.TopicPrefix}}/#</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Tick</th><td>{{.Config.TickMs}}ms</td></tr>
<tr><th>Debounce</th><td>{{.Config.DebounceMs}}ms</td></tr>
<tr><th>GPIO</th><td>{{.Config.HAL}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<h2>Log</h2>
<table class="log">
{{range .Log}}<tr><td>{{.Clock}}</td><td>{{.Text}}</td></tr>
{{else}}<tr><td>no entries</td></tr>
{{end}}</table>

<p><a href="/index.json">JSON</a> <a href="/api/config">config</a> <a href="/api/log">log</a></p>
<script>
(function() {
  function set(id, text, cls) {
    var el = document.getElementById(id);
    if (!el) return;
    el.textContent = text;
    if (cls !== undefined) el.className = cls;
  }
  function onOff(v) { return v ? "ON" : "OFF"; }
  function poll() {
    fetch("/api/telemetry").then(function(r) { return r.json(); }).then(function(t) {
      set("rpm", Math.round(t.rpm));
      for (var i = 0; i < t.stroke.length; i++) {
        set("sensor-" + i, onOff(t.sensor[i]), t.sensor[i] ? "on" : "off");
        set("solenoid-" + i, onOff(t.solenoid[i]), t.solenoid[i] ? "on" : "off");
        set("stroke-" + i, t.stroke[i]);
      }
    }).catch(function() {});
  }
  setInterval(poll, 500);
})();
</script>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot, entries []eventlog.Entry) error {
	if len(entries) > recentLogEntries {
		entries = entries[len(entries)-recentLogEntries:]
	}
	// Newest first on the page.
	log := make([]eventlog.EntryJSON, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		log = append(log, entries[i].JSON())
	}

	// Snapshot has an Uptime() method but the template needs a field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
		Log    []eventlog.EntryJSON
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		Log:      log,
	}
	return indexTmpl.Execute(w, data)
}
