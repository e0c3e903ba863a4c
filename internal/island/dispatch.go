package island

// categorySupportsOverlay reports whether the overlay renderer can present
// the category at all.
func categorySupportsOverlay(cat Category) bool {
	// Every category has an overlay template today; kept as a choke point so
	// capability gaps stay in one place.
	return true
}

// decideRoute picks the presentation channel for one accepted event.
//
// Standard and Navigation are always routed to the overlay when it is
// available, overriding prefer-bridge: the bridge path renders them
// unacceptably. Call may use either route; the rest fall back to the bridge,
// or to no presentation when neither route is available.
func decideRoute(cat Category, cfg Settings, dev Device) Route {
	overlayOK := dev.OverlayPermitted() && categorySupportsOverlay(cat)
	bridgeOK := dev.ChannelEnabled()

	if cfg.ForceRoute == RouteOverlay && overlayOK {
		return RouteOverlay
	}
	if cfg.ForceRoute == RouteBridge {
		if bridgeOK {
			return RouteBridge
		}
		return RouteNone
	}

	// Without a forced route the display must be on, and a locked device
	// blocks the overlay for everything but calls.
	if overlayOK {
		if !dev.ScreenOn() {
			overlayOK = false
		} else if dev.Locked() && cat != CategoryCall {
			overlayOK = false
		}
	}

	switch cat {
	case CategoryStandard, CategoryNavigation:
		if overlayOK {
			return RouteOverlay
		}
		// The bridge renders these unacceptably; better nothing than wrong.
		return RouteNone
	case CategoryCall:
		if cfg.PreferBridge && bridgeOK {
			return RouteBridge
		}
		if overlayOK {
			return RouteOverlay
		}
		if bridgeOK {
			return RouteBridge
		}
		return RouteNone
	default:
		if overlayOK && !cfg.PreferBridge {
			return RouteOverlay
		}
		if bridgeOK {
			return RouteBridge
		}
		if overlayOK {
			return RouteOverlay
		}
		return RouteNone
	}
}
