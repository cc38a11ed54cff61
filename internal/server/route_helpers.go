package server

import (
	"net/http"
	"sort"
	"strings"
)

// MethodRouter maps HTTP methods to their handlers for one path.
type MethodRouter map[string]http.HandlerFunc

// RouteByMethod dispatches on the request method. Unsupported methods get a
// 405 carrying an Allow header listing the methods the path does answer.
func RouteByMethod(w http.ResponseWriter, r *http.Request, routes MethodRouter) {
	if handler, ok := routes[r.Method]; ok {
		handler(w, r)
		return
	}
	w.Header().Set("Allow", allowedMethods(routes))
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// RouteResource wires the verbs a single job resource answers: GET to read,
// DELETE to remove.
func RouteResource(w http.ResponseWriter, r *http.Request, get, delete http.HandlerFunc) {
	routes := make(MethodRouter, 2)
	if get != nil {
		routes[http.MethodGet] = get
	}
	if delete != nil {
		routes[http.MethodDelete] = delete
	}
	RouteByMethod(w, r, routes)
}

// RouteCollection wires a list-plus-submit endpoint: GET to list, POST to
// create.
func RouteCollection(w http.ResponseWriter, r *http.Request, list, create http.HandlerFunc) {
	routes := make(MethodRouter, 2)
	if list != nil {
		routes[http.MethodGet] = list
	}
	if create != nil {
		routes[http.MethodPost] = create
	}
	RouteByMethod(w, r, routes)
}

func allowedMethods(routes MethodRouter) string {
	methods := make([]string, 0, len(routes))
	for m := range routes {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return strings.Join(methods, ", ")
}
