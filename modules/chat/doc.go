// Package chat answers mentions and replies directed at the bot account.
//
// Arrivals for the same note are coalesced for a short window so that a note
// delivered both as a mention and as a reply is answered once. Selected
// arrivals are handled in order by one pipeline worker that renders the
// interactive memory, asks the completion client for a reply and posts it
// through the note sender.
package chat
