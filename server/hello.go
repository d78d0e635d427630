package server

import "github.com/l00pss/redserver/resp"

// helloInfo is the constant introspection array HELLO replies with. Built
// once at package init rather than on every call.
var helloInfo = resp.Array(
	resp.StringFrom("server"), resp.StringFrom("codecrafters-redis"),
	resp.StringFrom("version"), resp.StringFrom("0.2"),
	resp.StringFrom("proto"), resp.Int(2),
	resp.StringFrom("mode"), resp.StringFrom("standalone"),
	resp.StringFrom("role"), resp.StringFrom("master"),
	resp.StringFrom("modules"), resp.Array(),
)

// configHelpLines is CONFIG HELP's fixed five-line reply.
var configHelpLines = []string{
	"CONFIG <subcommand> [<arg> [value] [opt] ...]. Subcommands are:",
	"GET <pattern>",
	"    Return parameters matching the glob-like <pattern> and their values.",
	"HELP",
	"    Prints this help.",
}

// emptyRDB is a valid minimal empty RDB payload, captured verbatim from a
// real Redis server, used as the canonical FULLRESYNC snapshot.
var emptyRDB = []byte("REDIS0010\xfa\tredis-ver\x067.0.11\xfa\nredis-bits\xc0@\xfa\x05ctime\xc2\xc4\xcf\x8ef\xfa\x08used-mem\xc2\xf0\xdf\x12\x00\xfa\x0erepl-stream-db\xc0\x00\xfa\x07repl-id(d784536f43b93857ad3b55d53d84a53b05dc3709\xfa\x0brepl-offset\xc0\x00\xfa\x08aof-base\xc0\x00\xff\x06\xd0\x8b\xb5\x939j`")
