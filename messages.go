package mega

import "encoding/json"

type PreloginMsg struct {
	Cmd  string `json:"a"`
	User string `json:"user"`
}

type PreloginResp struct {
	Version int    `json:"v"`
	Salt    string `json:"s"`
}

type LoginMsg struct {
	Cmd        string `json:"a"`
	User       string `json:"user"`
	Handle     string `json:"uh,omitempty"`
	SessionKey string `json:"sek,omitempty"`
	Si         string `json:"si,omitempty"`
	Mfa        string `json:"mfa,omitempty"`
}

type LoginResp struct {
	Csid  string `json:"csid"`
	Privk string `json:"privk"`
	Key   string `json:"k"`
	Ach   int    `json:"ach"`
	Tsid  string `json:"tsid"`
	Sek   string `json:"sek"`
	U     string `json:"u"`
}

type AnonymousUserMsg struct {
	Cmd string `json:"a"`
	K   string `json:"k"`
	TS  string `json:"ts"`
}

type UserMsg struct {
	Cmd string `json:"a"`
}

type UserResp struct {
	U     string `json:"u"`
	S     int    `json:"s"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Key   string `json:"k"`
	C     int    `json:"c"`
	Pubk  string `json:"pubk"`
	Privk string `json:"privk"`
	Terms string `json:"terms"`
	TS    string `json:"ts"`
}

type QuotaMsg struct {
	// Action, should be "uq" for quota request
	Cmd string `json:"a"`
	// xfer should be 1
	Xfer int `json:"xfer"`
	// Without strg=1 only reports total capacity for account
	Strg int `json:"strg,omitempty"`
}

type QuotaResp struct {
	// Mstrg is total capacity in bytes
	Mstrg uint64 `json:"mstrg"`
	// Cstrg is used capacity in bytes
	Cstrg uint64 `json:"cstrg"`
	// Per folder usage in bytes?
	Cstrgn map[string][]int64 `json:"cstrgn"`
}

type FilesMsg struct {
	Cmd string `json:"a"`
	C   int    `json:"c"`
	Ca  int    `json:"ca,omitempty"`
	R   int    `json:"r,omitempty"`
}

// Node is a file system record exactly as the server sends it. It is
// never modified after decoding.
type Node struct {
	Hash      string `json:"h"`
	Parent    string `json:"p"`
	User      string `json:"u"`
	T         int    `json:"t"`
	Attr      string `json:"a"`
	Key       string `json:"k"`
	Ts        int64  `json:"ts"`
	SUser     string `json:"su"`
	SKey      string `json:"sk"`
	Sz        int64  `json:"s"`
	FileAttr  string `json:"fa,omitempty"`
	AccessURL string `json:"at,omitempty"`
}

type FilesResp struct {
	F []Node `json:"f"`

	Ok []struct {
		Hash string `json:"h"`
		Key  string `json:"k"`
	} `json:"ok"`

	S []struct {
		Hash string `json:"h"`
		User string `json:"u"`
	} `json:"s"`
	User []struct {
		User  string `json:"u"`
		C     int    `json:"c"`
		Email string `json:"m"`
	} `json:"u"`
	Sn string `json:"sn"`
}

type DownloadMsg struct {
	Cmd string `json:"a"`
	G   int    `json:"g"`
	P   string `json:"p,omitempty"`
	N   string `json:"n,omitempty"`
	SSL int    `json:"ssl,omitempty"`
	SSM int    `json:"ssm,omitempty"`
}

type DownloadResp struct {
	G    string   `json:"g"`
	Size int64    `json:"s"`
	Attr string   `json:"at"`
	Err  ErrorMsg `json:"e"`
	Msd  int      `json:"msd,omitempty"`
	Fa   string   `json:"fa,omitempty"`
}

// UnmarshalJSON accepts "g" either as a string or as a list of urls
func (r *DownloadResp) UnmarshalJSON(b []byte) error {
	type plain DownloadResp
	var aux struct {
		plain
		G json.RawMessage `json:"g"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*r = DownloadResp(aux.plain)
	if len(aux.G) == 0 {
		return nil
	}
	var urls []string
	if json.Unmarshal(aux.G, &urls) == nil {
		if len(urls) > 0 {
			r.G = urls[0]
		}
		return nil
	}
	return json.Unmarshal(aux.G, &r.G)
}
