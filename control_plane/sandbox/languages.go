package sandbox

import "fmt"

// Backend names accepted in configuration.
const (
	BackendDocker     = "docker"
	BackendGVisor     = "gvisor"
	BackendKubernetes = "k8s-job"
	BackendFake       = "fake"
)

// Profile maps a language tag to the backend, image and limits used for
// its sandboxes. The mapping is static and immutable after startup.
type Profile struct {
	Backend  string
	Image    string
	FileName string
	Command  []string
	Limits   Limits
}

var defaultLimits = Limits{
	MemoryBytes: 512 << 20,
	CPUs:        "0.5",
	PidsLimit:   64,
}

// profiles is the shipped language mapping. Backend choices can be
// overridden per language via configuration.
var profiles = map[string]Profile{
	"python": {
		Backend:  BackendDocker,
		Image:    "python:3.11-alpine",
		FileName: "main.py",
		Command:  []string{"python", "/work/main.py"},
		Limits:   defaultLimits,
	},
	"javascript": {
		Backend:  BackendDocker,
		Image:    "node:20-alpine",
		FileName: "main.js",
		Command:  []string{"node", "/work/main.js"},
		Limits:   defaultLimits,
	},
	"bash": {
		Backend:  BackendDocker,
		Image:    "alpine:3.20",
		FileName: "main.sh",
		Command:  []string{"sh", "/work/main.sh"},
		Limits:   defaultLimits,
	},
}

// LookupProfile resolves a language tag, applying any backend override.
func LookupProfile(language string, backendOverrides map[string]string) (Profile, error) {
	p, ok := profiles[language]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
	if override, ok := backendOverrides[language]; ok && override != "" {
		p.Backend = override
	}
	return p, nil
}

// Languages returns the supported language tags.
func Languages() []string {
	out := make([]string, 0, len(profiles))
	for lang := range profiles {
		out = append(out, lang)
	}
	return out
}
