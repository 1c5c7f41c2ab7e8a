package stun

// Username represents USERNAME attribute.
//
// RFC 5389 Section 15.3
type Username []byte

// NewUsername returns Username with provided value.
func NewUsername(username string) Username {
	return Username(username)
}

func (u Username) String() string { return string(u) }

// AddTo adds USERNAME attribute to message.
func (u Username) AddTo(m *Message) error {
	m.Add(AttrUsername, u)
	return nil
}

// GetFrom gets USERNAME from message.
func (u *Username) GetFrom(m *Message) error {
	v, err := m.Get(AttrUsername)
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// Realm represents REALM attribute.
//
// RFC 5389 Section 15.7
type Realm []byte

// NewRealm returns Realm with provided value.
func NewRealm(realm string) Realm {
	return Realm(realm)
}

func (r Realm) String() string { return string(r) }

// AddTo adds REALM attribute to message.
func (r Realm) AddTo(m *Message) error {
	m.Add(AttrRealm, r)
	return nil
}

// GetFrom gets REALM from message.
func (r *Realm) GetFrom(m *Message) error {
	v, err := m.Get(AttrRealm)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Nonce represents NONCE attribute.
//
// RFC 5389 Section 15.8
type Nonce []byte

// NewNonce returns Nonce with provided value.
func NewNonce(nonce string) Nonce {
	return Nonce(nonce)
}

func (n Nonce) String() string { return string(n) }

// AddTo adds NONCE attribute to message.
func (n Nonce) AddTo(m *Message) error {
	m.Add(AttrNonce, n)
	return nil
}

// GetFrom gets NONCE from message.
func (n *Nonce) GetFrom(m *Message) error {
	v, err := m.Get(AttrNonce)
	if err != nil {
		return err
	}
	*n = v
	return nil
}

// Software is SOFTWARE attribute.
//
// RFC 5389 Section 15.10
type Software []byte

// NewSoftware returns Software from string.
func NewSoftware(software string) Software {
	return Software(software)
}

func (s Software) String() string { return string(s) }

// AddTo adds SOFTWARE attribute to message.
func (s Software) AddTo(m *Message) error {
	m.Add(AttrSoftware, s)
	return nil
}

// GetFrom gets SOFTWARE from message.
func (s *Software) GetFrom(m *Message) error {
	v, err := m.Get(AttrSoftware)
	if err != nil {
		return err
	}
	*s = v
	return nil
}
