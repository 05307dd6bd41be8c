package checks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	crossplane "github.com/nginxinc/nginx-go-crossplane"
)

// NginxChecker enforces the edge conventions: security headers,
// suppressed version banner, rate limiting on proxied locations, modern
// TLS, and gzip.
type NginxChecker struct{}

func NewNginxChecker() *NginxChecker { return &NginxChecker{} }

func (c *NginxChecker) Name() string { return "nginx" }

func (c *NginxChecker) Describe() string {
	return "nginx config sets security headers, rate limits and modern TLS"
}

func (c *NginxChecker) files(target Target) []string {
	path := target.Paths().NginxConf
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return []string{path}
}

// nginxFacts aggregates what one pass over the directive tree learned.
type nginxFacts struct {
	servers         []*crossplane.Directive
	globalHeaders   map[string]bool
	serverTokensOff bool
	serverTokens    *crossplane.Directive
	gzipOn          bool
	limitReqGlobal  bool
	weakSSL         *crossplane.Directive
}

type serverFacts struct {
	tls       bool
	headers   map[string]bool
	limitReq  bool
	proxyLine int
	redirect  bool
}

// redirectOnly reports whether the server exists purely to bounce
// traffic elsewhere (the usual port-80 to https redirect). Those blocks
// serve no content, so the header rules do not apply.
func (sf *serverFacts) redirectOnly() bool {
	return sf.redirect && sf.proxyLine == 0
}

func (c *NginxChecker) Check(ctx context.Context, target Target) ([]Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := target.Paths().NginxConf
	file := target.Rel(path)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	payload, err := crossplane.Parse(path, &crossplane.ParseOptions{
		SingleFile:         true,
		StopParsingOnError: false,
	})
	if err != nil {
		return []Finding{{
			Checker:  c.Name(),
			Rule:     "NG001",
			Severity: SeverityError,
			File:     file,
			Message:  fmt.Sprintf("nginx config does not parse: %v", err),
		}}, nil
	}

	var findings []Finding
	finding := func(rule string, severity Severity, line int, message, hint string) {
		findings = append(findings, Finding{
			Checker:  c.Name(),
			Rule:     rule,
			Severity: severity,
			File:     file,
			Line:     line,
			Message:  message,
			Hint:     hint,
		})
	}

	var directives crossplane.Directives
	for _, conf := range payload.Config {
		for _, e := range conf.Errors {
			line := 0
			if e.Line != nil {
				line = *e.Line
			}
			finding("NG001", SeverityError, line, fmt.Sprintf("nginx config error: %v", e.Error), "")
		}
		directives = append(directives, conf.Parsed...)
	}

	facts := collectNginxFacts(directives)

	for _, server := range facts.servers {
		sf := collectServerFacts(server)
		if sf.redirectOnly() {
			continue
		}

		required := []string{"X-Frame-Options", "X-Content-Type-Options"}
		if sf.tls {
			required = append(required, "Strict-Transport-Security")
		}
		var missing []string
		for _, h := range required {
			if !sf.headers[strings.ToLower(h)] && !facts.globalHeaders[strings.ToLower(h)] {
				missing = append(missing, h)
			}
		}
		if len(missing) > 0 {
			finding("NG002", SeverityWarning, server.Line,
				fmt.Sprintf("server block missing security headers: %s", strings.Join(missing, ", ")),
				"add_header the standard security set; browsers only honor what the edge sends")
		}

		if sf.proxyLine > 0 && !sf.limitReq && !facts.limitReqGlobal {
			finding("NG004", SeverityWarning, sf.proxyLine,
				"proxied location has no rate limiting",
				"declare a limit_req_zone and apply limit_req to API locations")
		}
	}

	if !facts.serverTokensOff {
		line := 0
		if facts.serverTokens != nil {
			line = facts.serverTokens.Line
		}
		finding("NG003", SeverityWarning, line,
			"server_tokens is not off",
			"set server_tokens off so error pages do not advertise the nginx version")
	}

	if facts.weakSSL != nil {
		finding("NG005", SeverityCritical, facts.weakSSL.Line,
			fmt.Sprintf("weak TLS protocols enabled: %s", strings.Join(facts.weakSSL.Args, " ")),
			"allow TLSv1.2 and TLSv1.3 only")
	}

	if !facts.gzipOn {
		finding("NG006", SeverityInfo, 0,
			"gzip is not enabled",
			"gzip on with the usual text types cuts transfer sizes substantially")
	}

	return findings, nil
}

func collectNginxFacts(directives crossplane.Directives) *nginxFacts {
	facts := &nginxFacts{globalHeaders: make(map[string]bool)}

	var walk func(ds crossplane.Directives, inServer bool)
	walk = func(ds crossplane.Directives, inServer bool) {
		for _, d := range ds {
			nowInServer := inServer
			switch d.Directive {
			case "server":
				if !inServer {
					facts.servers = append(facts.servers, d)
					nowInServer = true
				}
			case "add_header":
				if !inServer && len(d.Args) > 0 {
					facts.globalHeaders[strings.ToLower(d.Args[0])] = true
				}
			case "server_tokens":
				facts.serverTokens = d
				if len(d.Args) > 0 && d.Args[0] == "off" {
					facts.serverTokensOff = true
				}
			case "gzip":
				if len(d.Args) > 0 && d.Args[0] == "on" {
					facts.gzipOn = true
				}
			case "limit_req":
				if !inServer {
					facts.limitReqGlobal = true
				}
			case "ssl_protocols":
				for _, arg := range d.Args {
					if arg == "SSLv2" || arg == "SSLv3" || arg == "TLSv1" || arg == "TLSv1.1" {
						facts.weakSSL = d
					}
				}
			}
			if len(d.Block) > 0 {
				walk(d.Block, nowInServer)
			}
		}
	}
	walk(directives, false)
	return facts
}

func collectServerFacts(server *crossplane.Directive) *serverFacts {
	sf := &serverFacts{headers: make(map[string]bool)}

	var walk func(ds crossplane.Directives)
	walk = func(ds crossplane.Directives) {
		for _, d := range ds {
			switch d.Directive {
			case "listen":
				for _, arg := range d.Args {
					if arg == "ssl" || strings.HasPrefix(arg, "443") || strings.HasSuffix(arg, ":443") {
						sf.tls = true
					}
				}
			case "ssl_certificate":
				sf.tls = true
			case "add_header":
				if len(d.Args) > 0 {
					sf.headers[strings.ToLower(d.Args[0])] = true
				}
			case "limit_req":
				sf.limitReq = true
			case "proxy_pass":
				if sf.proxyLine == 0 {
					sf.proxyLine = d.Line
				}
			case "return":
				if len(d.Args) > 0 && strings.HasPrefix(d.Args[0], "3") {
					sf.redirect = true
				}
			}
			if len(d.Block) > 0 {
				walk(d.Block)
			}
		}
	}
	walk(server.Block)
	return sf
}
