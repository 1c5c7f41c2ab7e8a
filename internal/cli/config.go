package cli

const defaultConfigFileContent = `version: "1"
agent:
  stun:
    - stun.l.google.com:19302
  turn: []
  turn_username: ""
  turn_password: ""
  ipv6: false
  host_address: ""
signaling:
  dir: ./signals
tick:
  interval: 50ms
filter:
  remote:
    action: allow
    rules: []
    # rules:
    #   - net: 10.0.0.0/8
    #     action: drop
  local:
    action: allow
    rules: []
server:
  development: false
  prometheus:
    addr: ""
  pprof: ""
`
