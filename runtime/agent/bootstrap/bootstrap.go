// Package bootstrap wires the runtime's Mongo-backed stores, Pulse-backed
// stream sink, and LLM provider clients into a single runtime.Runtime. It is
// the concrete assembly point for the domain stack: every feature package
// registered here has no other production caller, the way a service's own
// main package is usually the only thing that imports its storage and
// transport adapters directly.
package bootstrap

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	memorymongo "github.com/agentforge/core/features/memory/mongo"
	clientsmemorymongo "github.com/agentforge/core/features/memory/mongo/clients/mongo"
	"github.com/agentforge/core/features/model/anthropic"
	modelmiddleware "github.com/agentforge/core/features/model/middleware"
	"github.com/agentforge/core/features/model/openai"
	policybasic "github.com/agentforge/core/features/policy/basic"
	runmongo "github.com/agentforge/core/features/run/mongo"
	clientsrunmongo "github.com/agentforge/core/features/run/mongo/clients/mongo"
	runlogmongo "github.com/agentforge/core/features/runlog/mongo"
	clientsrunlogmongo "github.com/agentforge/core/features/runlog/mongo/clients/mongo"
	sessionmongo "github.com/agentforge/core/features/session/mongo"
	clientssessionmongo "github.com/agentforge/core/features/session/mongo/clients/mongo"
	"github.com/agentforge/core/features/stream/pulse"
	clientspulse "github.com/agentforge/core/features/stream/pulse/clients/pulse"
	"github.com/agentforge/core/runtime/agent/model"
	agentruntime "github.com/agentforge/core/runtime/agent/runtime"
	"github.com/agentforge/core/runtime/agent/session"
)

// ModelProviderConfig names the API key and default model for one of the
// supported model providers. A zero value (empty APIKey) skips registration
// for that provider rather than failing startup — a deployment is free to
// run with only the providers it has credentials for.
type ModelProviderConfig struct {
	APIKey       string
	DefaultModel string

	// RateLimitInitialTPM and RateLimitMaxTPM configure an adaptive
	// tokens-per-minute limiter in front of this provider. Both must be
	// positive to enable the limiter; zero leaves the provider client
	// unwrapped.
	RateLimitInitialTPM float64
	RateLimitMaxTPM     float64
}

// Config gathers the external connections bootstrap needs. Mongo and Redis
// are dialed by the caller (connection pooling, TLS, and credential loading
// are deployment concerns, not this package's); bootstrap only builds the
// schema-specific clients and stores on top of them.
type Config struct {
	Mongo    *mongodriver.Client
	Database string
	Redis    *redis.Client

	Anthropic ModelProviderConfig
	OpenAI    ModelProviderConfig

	// Policy configures the allow/block-list engine. Zero value honors
	// planner retry hints and allows every tool.
	Policy policybasic.Options

	RuntimeOptions []agentruntime.RuntimeOption
}

// Built holds everything Build assembled, for callers that need direct
// access to the session store alongside the runtime (e.g. to construct a
// session.Conversation per incoming connection).
type Built struct {
	Runtime      *agentruntime.Runtime
	SessionStore session.Store
}

// Build constructs a runtime.Runtime backed by Mongo-persisted memory/run/
// run-log stores, a Mongo-backed session.Store, a Pulse stream sink over
// Redis, and whichever model providers cfg supplies credentials for. Returns
// an error if Mongo or Redis connectivity required by a registered component
// cannot be established.
func Build(ctx context.Context, cfg Config) (*Built, error) {
	if cfg.Mongo == nil {
		return nil, fmt.Errorf("bootstrap: mongo client is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("bootstrap: database name is required")
	}

	memStore, err := memorymongo.NewStoreFromMongo(clientsmemorymongo.Options{
		Client:   cfg.Mongo,
		Database: cfg.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: memory store: %w", err)
	}

	runStore, err := runmongo.NewStoreFromMongo(clientsrunmongo.Options{
		Client:   cfg.Mongo,
		Database: cfg.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: run store: %w", err)
	}

	runLogClient, err := clientsrunlogmongo.New(clientsrunlogmongo.Options{
		Client:   cfg.Mongo,
		Database: cfg.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: run log client: %w", err)
	}
	runLogStore, err := runlogmongo.NewStore(runLogClient)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: run log store: %w", err)
	}

	sessionClient, err := clientssessionmongo.New(clientssessionmongo.Options{
		Client:   cfg.Mongo,
		Database: cfg.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: session client: %w", err)
	}
	sessionStore, err := sessionmongo.NewStore(sessionClient)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: session store: %w", err)
	}

	policyEngine, err := policybasic.New(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: policy engine: %w", err)
	}

	opts := append([]agentruntime.RuntimeOption{
		agentruntime.WithMemoryStore(memStore),
		agentruntime.WithRunStore(runStore),
		agentruntime.WithRunLog(runLogStore),
		agentruntime.WithPolicy(policyEngine),
	}, cfg.RuntimeOptions...)

	if cfg.Redis != nil {
		pulseClient, err := clientspulse.New(clientspulse.Options{Redis: cfg.Redis})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: pulse client: %w", err)
		}
		sink, err := pulse.NewSink(pulse.Options{Client: pulseClient})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: pulse sink: %w", err)
		}
		opts = append(opts, agentruntime.WithStream(sink))
	}

	rt := agentruntime.New(opts...)

	if cfg.Anthropic.APIKey != "" {
		client, err := anthropic.NewFromAPIKey(cfg.Anthropic.APIKey, cfg.Anthropic.DefaultModel)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: anthropic client: %w", err)
		}
		if err := registerModel(ctx, rt, cfg.Redis, cfg.Database, "anthropic", client, cfg.Anthropic); err != nil {
			return nil, err
		}
	}
	if cfg.OpenAI.APIKey != "" {
		client, err := openai.NewFromAPIKey(cfg.OpenAI.APIKey, cfg.OpenAI.DefaultModel)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: openai client: %w", err)
		}
		if err := registerModel(ctx, rt, cfg.Redis, cfg.Database, "openai", client, cfg.OpenAI); err != nil {
			return nil, err
		}
	}

	return &Built{Runtime: rt, SessionStore: sessionStore}, nil
}

// registerModel registers client as provider id, first wrapping it with an
// adaptive rate limiter when prov configures one. The limiter's backing map
// is replicated over Redis (keyed by database name and provider id) so every
// process sharing that Redis instance throttles against the same observed
// tokens-per-minute budget, rather than each process keeping an independent,
// easily-exceeded local budget.
func registerModel(ctx context.Context, rt *agentruntime.Runtime, redisClient *redis.Client, database, id string, client model.Client, prov ModelProviderConfig) error {
	if redisClient != nil && prov.RateLimitInitialTPM > 0 && prov.RateLimitMaxTPM > 0 {
		key := fmt.Sprintf("%s:model-rate-limit:%s", database, id)
		m, err := rmap.Join(ctx, key, redisClient)
		if err != nil {
			return fmt.Errorf("bootstrap: join rate limit map %q: %w", key, err)
		}
		limiter := modelmiddleware.NewAdaptiveRateLimiter(ctx, m, key, prov.RateLimitInitialTPM, prov.RateLimitMaxTPM)
		client = limiter.Middleware()(client)
	}
	if err := rt.RegisterModel(id, client); err != nil {
		return fmt.Errorf("bootstrap: register model %q: %w", id, err)
	}
	return nil
}
