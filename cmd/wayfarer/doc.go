// Command wayfarer runs the itinerary planning daemon and talks to it over
// its HTTP API: submitting trips, inspecting workflows, and streaming live
// progress for a session.
package main
