// Package jamespy implements a Discord moderation bot.
//
// Its centerpiece is message purging. The -purge and -purge-in prefix
// commands take a filter expression made of modifier clauses
// (user, users, contains, startswith, endswith, regex, links, invites,
// images, embeds, bots, humans, ...), which is parsed into a Filter and
// evaluated against recent channel history. Matching messages are bulk
// deleted, and every purge is recorded as a PurgeLog.
//
// Key components of the package include:
//
//   - Jamespy: owns the discord session, database, caches and API server,
//     and coordinates startup and shutdown.
//   - Starboard: queues messages collecting enough star reactions for
//     review, and re-posts accepted ones to the starboard channel.
//   - Snippets: per-guild text snippets, stored in the database with
//     an optional redis read-through cache.
//   - Message log: archives created, edited and deleted messages, using a
//     bounded in-memory cache of recent messages for edit/delete content.
//   - API: a gin backend for admin login, runtime configuration, and
//     browsing purge logs and starboard entries.
//
// Slash commands cover the starboard (/starboard), snippets (/snippet)
// and owner tooling (/dbstats, /sql).
package jamespy
