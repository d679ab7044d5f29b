package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"github.com/xkilldash9x/compliance-swarm/internal/config"
	"golang.org/x/oauth2"
)

// Connector produces a fresh MCP transport for one (user, server) session.
// Credentials are only ever handed to the transport, never logged.
type Connector interface {
	Transport(ctx context.Context, creds schemas.Credentials) (mcp.Transport, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context, creds schemas.Credentials) (mcp.Transport, error)

func (f ConnectorFunc) Transport(ctx context.Context, creds schemas.Credentials) (mcp.Transport, error) {
	return f(ctx, creds)
}

// StreamableHTTP connects to a remote server over the streamable HTTP
// transport. A non-empty token is sent as a bearer Authorization header.
func StreamableHTTP(endpoint string) Connector {
	return ConnectorFunc(func(ctx context.Context, creds schemas.Credentials) (mcp.Transport, error) {
		if endpoint == "" {
			return nil, errors.New("streamable-http transport requires an endpoint")
		}
		httpClient := http.DefaultClient
		if creds.Token != "" {
			httpClient = oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{
				AccessToken: creds.Token,
				TokenType:   "Bearer",
			}))
		}
		return &mcp.StreamableClientTransport{Endpoint: endpoint, HTTPClient: httpClient}, nil
	})
}

// Command starts a local server as a subprocess speaking MCP over stdio. The
// token is passed through the environment variable named by tokenEnv, and any
// extra credential fields are exported upper-cased.
func Command(name string, args []string, env map[string]string, tokenEnv string) Connector {
	return ConnectorFunc(func(ctx context.Context, creds schemas.Credentials) (mcp.Transport, error) {
		if name == "" {
			return nil, errors.New("command transport requires a command")
		}
		cmd := exec.Command(name, args...)
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		if creds.Token != "" {
			if tokenEnv == "" {
				tokenEnv = "MCP_TOKEN"
			}
			cmd.Env = append(cmd.Env, tokenEnv+"="+creds.Token)
		}
		for k, v := range creds.Extra {
			cmd.Env = append(cmd.Env, strings.ToUpper(k)+"="+v)
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	})
}

// InProcess connects to an MCP server living in this process. newServer is
// called once per session so it can bind the session's credentials.
func InProcess(newServer func(creds schemas.Credentials) (*mcp.Server, error)) Connector {
	return ConnectorFunc(func(ctx context.Context, creds schemas.Credentials) (mcp.Transport, error) {
		server, err := newServer(creds)
		if err != nil {
			return nil, err
		}
		clientT, serverT := mcp.NewInMemoryTransports()
		if _, err := server.Connect(ctx, serverT, nil); err != nil {
			return nil, fmt.Errorf("failed to start in-process server: %w", err)
		}
		return clientT, nil
	})
}

// connectorFromConfig builds the connector for a configured server. In-process
// servers have no config-driven connector; they are registered in code.
func connectorFromConfig(name string, sc config.ToolServerConfig) (Connector, error) {
	switch sc.Transport {
	case config.TransportStreamableHTTP:
		return StreamableHTTP(sc.Endpoint), nil
	case config.TransportCommand:
		return Command(sc.Command, sc.Args, sc.Env, sc.TokenEnv), nil
	case config.TransportInProcess:
		return nil, nil
	default:
		return nil, fmt.Errorf("tool server %s: unsupported transport %q", name, sc.Transport)
	}
}
