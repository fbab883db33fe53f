// Package adblock matches request URLs against ad and tracker block lists.
//
// Lists are line oriented. Each non-comment line is one of:
//
//	ads.example.com            domain rule, matches the host and subdomains
//	||tracker.example^         adblock-style domain anchor, same as above
//	0.0.0.0 ads.example.com    hosts-file entry, same as above
//	*.cdn.example/pixel/**     glob over host/path (doublestar syntax)
//
// Lines starting with '#' or '!' are comments.
package adblock
