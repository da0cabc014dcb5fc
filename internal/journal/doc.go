// Package journal keeps an append-only record of terminal delivery
// outcomes so operators can inspect dead letters and recent deliveries
// after the queue has forgotten them.
//
// Drivers:
//   - "file": JSON Lines, no extra dependencies
//   - "sqlite": modernc SQLite (build with -tags sqlite)
//   - "" or "none": discard everything
package journal
