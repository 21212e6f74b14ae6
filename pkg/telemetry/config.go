package telemetry

type Config struct {
	// Use OTLP exporter. Has precedence over the Jaeger configuration.
	OTLP OTLP `yaml:"otlp"`
	// The URL to the Jaeger instance.
	JaegerURL string `yaml:"jaegerUrl"`
	// Service name reported with the spans. Defaults to `meshcall`.
	Package string `yaml:"package"`
	// ID of this client instance. A random one is generated when empty.
	ID string `yaml:"id"`
}

type OTLP struct {
	// The endpoint of the OTLP collector, without any URL path.
	Host string `yaml:"host"`
	// Use HTTPS instead of HTTP to reach the collector.
	Secure bool `yaml:"secure"`
}

// Whether an exporter is configured at all. Spans are still created when it is
// not, they just go to the no-op provider.
func (c Config) Enabled() bool {
	return c.OTLP.Host != "" || c.JaegerURL != ""
}
