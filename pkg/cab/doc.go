// Package cab manages Change Advisory Board meetings: the review queue of
// changes awaiting a committee decision, meeting agendas kept in sync with
// that queue, decisions recorded per agenda entry and meeting minutes.
package cab
