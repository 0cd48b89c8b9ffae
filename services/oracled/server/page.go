package server

import (
	"html/template"
	"net/http"
	"net/url"
	"time"

	"evmoracle/services/oracled/state"
)

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>EVM price oracle</title></head>
<body>
<h1>EVM price oracle</h1>
<p>Owner: <code>{{.Owner}}</code><br>
EVM peer: <code>{{.Peer}}</code><br>
Aggregator: {{.ContractState}}{{if .ContractAddress}} at <code>{{.ContractAddress}}</code>{{end}}</p>
<table>
<thead><tr><th>Pair</th><th>Value</th><th>Observed</th></tr></thead>
<tbody>
{{range .Pairs}}<tr><td>{{.Pair}}</td>{{if .HasPrice}}<td>{{.Value}}</td><td>{{.Observed}}</td>{{else}}<td colspan="2">no price yet</td>{{end}}</tr>
{{else}}<tr><td colspan="3">no pairs tracked</td></tr>
{{end}}</tbody>
</table>
</body>
</html>
`))

type pageRow struct {
	Pair     string
	HasPrice bool
	Value    uint64
	Observed string
}

type pageData struct {
	Owner           string
	Peer            string
	ContractState   string
	ContractAddress string
	Pairs           []pageRow
}

func (s *Server) page(w http.ResponseWriter, r *http.Request) {
	data := pageData{
		Owner:         s.svc.Owner().String(),
		Peer:          publicEndpoint(s.svc.EVMPeer().String()),
		ContractState: s.svc.ContractState().Name(),
	}
	if confirmed, ok := s.svc.ContractState().(state.Confirmed); ok {
		data.ContractAddress = confirmed.Address.Hex()
	}
	for _, pair := range s.svc.Pairs() {
		row := pageRow{Pair: pair}
		if point, err := s.svc.LatestPrice(pair); err == nil {
			row.HasPrice = true
			row.Value = point.Value
			row.Observed = time.Unix(0, int64(point.Timestamp)).UTC().Format(time.RFC3339)
		}
		data.Pairs = append(data.Pairs, row)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, data); err != nil {
		s.logger.Error("render page", "error", err)
	}
}

// publicEndpoint strips credentials, query and fragment from an endpoint URL
// before it is shown on the unauthenticated page.
func publicEndpoint(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "(hidden)"
	}
	u.User = nil
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
