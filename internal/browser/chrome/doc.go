// Package chrome implements the browser engine interfaces on top of
// chromedp.
//
// Every page is opened in its own incognito browser context, so cookies,
// cache and storage never leak between pages of the same Chrome process.
// Request interception uses the Fetch domain; paused requests are resolved
// by a per-page worker in emission order.
package chrome
