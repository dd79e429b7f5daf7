// Package agent routes each customer turn to a specialist and produces
// the reply text sent back over the messaging platform.
package agent

// Route labels the specialist a turn is dispatched to. The set is closed:
// the classifier may only answer with one of these, and anything else
// falls back to RouteGeneral.
type Route string

const (
	RouteQuotation    Route = "quotation"
	RouteWishlist     Route = "wishlist"
	RoutePayments     Route = "payments"
	RouteOrders       Route = "orders"
	RouteEscalation   Route = "escalation"
	RouteShipping     Route = "shipping"
	RouteSubscription Route = "subscription"
	RouteWebAccess    Route = "web_access"
	RouteGeneral      Route = "general"
	RouteUnsafe       Route = "unsafe"
)

// AllRoutes lists every dispatchable route. RouteUnsafe is handled before
// dispatch and deliberately absent.
func AllRoutes() []Route {
	return []Route{
		RouteQuotation,
		RouteWishlist,
		RoutePayments,
		RouteOrders,
		RouteEscalation,
		RouteShipping,
		RouteSubscription,
		RouteWebAccess,
		RouteGeneral,
	}
}

// ParseRoute maps a classifier answer onto the closed set.
func ParseRoute(s string) (Route, bool) {
	switch Route(s) {
	case RouteQuotation, RouteWishlist, RoutePayments, RouteOrders,
		RouteEscalation, RouteShipping, RouteSubscription,
		RouteWebAccess, RouteGeneral, RouteUnsafe:
		return Route(s), true
	}
	return RouteGeneral, false
}
