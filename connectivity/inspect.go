package connectivity

// ServiceInfo describes how a service is dispatched.
type ServiceInfo struct {
	Name     string `json:"name"`
	Strategy string `json:"strategy"`
	Endpoint string `json:"endpoint,omitempty"`
	// Remote is true when calls leave the process.
	Remote   bool `json:"remote"`
	HasLocal bool `json:"has_local"`
}

// Inspect reports how service would be dispatched right now, following the
// resolution order of Call. ok is false when a call would fail with
// ErrServiceNotFound.
func (r *Router) Inspect(service string) (info ServiceInfo, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, hasRoute := r.routeSnap[service]
	_, hasLocal := r.localHandlers[service]
	_, remote := r.remoteEntries[service]
	info = ServiceInfo{Name: service, Strategy: "local", HasLocal: hasLocal, Remote: remote}
	switch {
	case hasRoute && rt.Strategy == "noop":
		info.Strategy = rt.Strategy
	case remote:
		info.Strategy, info.Endpoint = rt.Strategy, rt.Endpoint
	case !hasLocal:
		return ServiceInfo{}, false
	}
	return info, true
}
