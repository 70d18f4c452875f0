package sandbox

// NewGVisorDriver returns a driver that runs containers under the runsc
// runtime for kernel-level isolation. Everything else matches the docker
// backend; runsc must be registered with the local docker daemon.
func NewGVisorDriver() *DockerDriver {
	return &DockerDriver{bin: "docker", runtime: "runsc", backend: BackendGVisor}
}
